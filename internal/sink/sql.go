package sink

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/juju/errors"
	"github.com/temoto/sensorlink/internal/types"
	"github.com/temoto/sensorlink/log2"
)

const DefaultTable = "readings"

// SQLSink stores one row per accepted reading. observed_at and id are
// assigned by the database.
type SQLSink struct {
	db    *sql.DB
	log   *log2.Log
	query string
}

func NewSQLSink(db *sql.DB, table string, log *log2.Log) *SQLSink {
	if table == "" {
		table = DefaultTable
	}
	return &SQLSink{
		db:    db,
		log:   log,
		query: fmt.Sprintf(`insert into %s (observed_at, sensor_type, value) values (now(), $1, $2)`, table),
	}
}

func (ss *SQLSink) Store(ctx context.Context, r types.Reading) error {
	_, err := ss.db.ExecContext(ctx, ss.query, r.SensorType, r.Value)
	if err != nil {
		return errors.Annotatef(err, "sink insert sensor=%s", r.SensorType)
	}
	ss.log.Debugf("sink stored sensor=%s value=%f", r.SensorType, r.Value)
	return nil
}
