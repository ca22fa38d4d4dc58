package types

type AIModel struct {
	ID      int64  `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Name    string `gorm:"column:name;not null;uniqueIndex:idx_aimodel_name_version,priority:1" json:"name"`
	Version string `gorm:"column:version;not null;uniqueIndex:idx_aimodel_name_version,priority:2" json:"version"`
}

func (AIModel) TableName() string { return "aimodel" }
