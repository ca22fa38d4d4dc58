package types

// SchemaVersion is the schema generation this build expects; workers and the
// API refuse to start against a database reporting anything else.
const SchemaVersion = "22"

const (
	MetaKeySchemaVersion    = "schema_version"
	MetaKeyDefaultAIModelID = "default_ai_model_id"
)

type SystemMetadata struct {
	Key   string `gorm:"column:key;primaryKey" json:"key"`
	Value string `gorm:"column:value;not null" json:"value"`
}

func (SystemMetadata) TableName() string { return "system_metadata" }
