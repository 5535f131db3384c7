package results

import "github.com/cyclopcam/dbh"

// BaseModel is our base class for a GORM model.
// The default GORM Model uses int, but we prefer int64
type BaseModel struct {
	ID int64 `gorm:"primaryKey" json:"id"`
}

// A Run is one execution of the pipeline
type Run struct {
	ID           string      `gorm:"primaryKey" json:"id"` // UUID
	StartedAt    dbh.IntTime `json:"startedAt"`
	ChannelCount int         `json:"channelCount"`
	ModelName    string      `json:"modelName"`
}

// Detection is the result of one frame
type Detection struct {
	BaseModel
	RunID       string                       `json:"runID"`
	Channel     int                          `json:"channel"`
	Frame       int64                        `json:"frame"`
	Time        dbh.IntTime                  `json:"time"`
	ImageWidth  int                          `json:"imageWidth"`
	ImageHeight int                          `json:"imageHeight"`
	Objects     *dbh.JSONField[[]ObjectJSON] `json:"objects"`
}

// ObjectJSON is one detected object, as stored in Detection.Objects
type ObjectJSON struct {
	Class      int        `json:"class"`
	Label      string     `json:"label,omitempty"`
	Confidence float32    `json:"confidence"`
	Box        [4]float32 `json:"box"` // [X1,Y1,X2,Y2]
}

// ChannelEnd records when a channel reached EOF
type ChannelEnd struct {
	RunID   string      `gorm:"primaryKey;autoIncrement:false" json:"runID"`
	Channel int         `gorm:"primaryKey;autoIncrement:false" json:"channel"`
	Time    dbh.IntTime `json:"time"`
}
