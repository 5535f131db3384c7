package results

import (
	"github.com/BurntSushi/migration"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
)

func Migrations(log logs.Log) []migration.Migrator {
	migs := []migration.Migrator{}
	idx := 0

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE run(
			id TEXT PRIMARY KEY,
			started_at INT NOT NULL,
			channel_count INT NOT NULL,
			model_name TEXT NOT NULL
		);

		CREATE TABLE detection(
			id INTEGER PRIMARY KEY,
			run_id TEXT NOT NULL,
			channel INT NOT NULL,
			frame INT NOT NULL,
			time INT NOT NULL,
			image_width INT NOT NULL,
			image_height INT NOT NULL,
			objects TEXT
		);

		CREATE INDEX idx_detection_run_channel_frame ON detection (run_id, channel, frame);

		CREATE TABLE channel_end(
			run_id TEXT NOT NULL,
			channel INT NOT NULL,
			time INT NOT NULL,
			PRIMARY KEY (run_id, channel)
		) WITHOUT ROWID;
	`))

	return migs
}
