package results

import (
	"fmt"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/inferpipe/pkg/nn"
	"github.com/cyclopcam/logs"
	"gorm.io/gorm"
)

// DBSink stores results in an sqlite database. Every run is identified by a UUID,
// so one database can accumulate many runs.
type DBSink struct {
	RunID string
	log   logs.Log
	db    *gorm.DB
}

// OpenDB opens (or creates) the database, and records the start of a run
func OpenDB(log logs.Log, dbPath string, runID string, channelCount int, modelName string) (*DBSink, error) {
	db, err := dbh.OpenDB(log, dbh.MakeSqliteConfig(dbPath), Migrations(log), 0)
	if err != nil {
		return nil, fmt.Errorf("Failed to open results database %v: %w", dbPath, err)
	}
	return startRun(log, db, dbPath, runID, channelCount, modelName)
}

// startRun takes ownership of db, and closes it if the run can't be recorded
func startRun(log logs.Log, db *gorm.DB, dbPath string, runID string, channelCount int, modelName string) (*DBSink, error) {
	sink := &DBSink{
		RunID: runID,
		log:   log,
		db:    db,
	}
	run := &Run{
		ID:           runID,
		StartedAt:    dbh.MakeIntTime(time.Now()),
		ChannelCount: channelCount,
		ModelName:    modelName,
	}
	if err := db.Create(run).Error; err != nil {
		sink.Close()
		return nil, fmt.Errorf("Failed to record run %v: %w", runID, err)
	}
	log.Infof("Recording results of run %v in %v", runID, dbPath)
	return sink, nil
}

func (s *DBSink) WriteResult(res *nn.DetectionResult) error {
	var objects dbh.JSONField[[]ObjectJSON]
	objects.Data = make([]ObjectJSON, 0, len(res.Objects))
	for _, o := range res.Objects {
		objects.Data = append(objects.Data, ObjectJSON{
			Class:      o.Class,
			Label:      o.Label,
			Confidence: o.Confidence,
			Box:        [4]float32{o.Box.X1, o.Box.Y1, o.Box.X2, o.Box.Y2},
		})
	}
	rec := &Detection{
		RunID:       s.RunID,
		Channel:     res.ChannelID,
		Frame:       int64(res.FrameID),
		Time:        dbh.MakeIntTime(time.Now()),
		ImageWidth:  res.ImageWidth,
		ImageHeight: res.ImageHeight,
		Objects:     &objects,
	}
	return s.db.Create(rec).Error
}

func (s *DBSink) ChannelEOF(channel int) error {
	return s.db.Create(&ChannelEnd{
		RunID:   s.RunID,
		Channel: channel,
		Time:    dbh.MakeIntTime(time.Now()),
	}).Error
}

// Detections returns the stored results of one channel of this run, in frame order
func (s *DBSink) Detections(channel int) ([]Detection, error) {
	var all []Detection
	err := s.db.Where("run_id = ? AND channel = ?", s.RunID, channel).Order("frame").Find(&all).Error
	return all, err
}

// EndedChannels returns the channels of this run that have reached EOF
func (s *DBSink) EndedChannels() ([]int, error) {
	var channels []int
	err := s.db.Model(&ChannelEnd{}).Where("run_id = ?", s.RunID).Order("channel").Pluck("channel", &channels).Error
	return channels, err
}

func (s *DBSink) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
