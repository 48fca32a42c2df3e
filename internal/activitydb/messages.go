package activitydb

import (
	"os"
	"runtime"
	"time"

	"github.com/oklog/ulid/v2"
)

// The composite types used for messages to the ClickHouse database.

// ActivityMessage is the information for the bridgeactivity table: one row per
// bridge process.
type ActivityMessage struct {
	ID        string
	Hostname  string
	Githash   string
	Version   string
	GoVersion string
	CPUs      int
	Start     time.Time
	End       time.Time
}

// NewActivity describes the running process, with a fresh ULID.
func NewActivity(version, githash string) *ActivityMessage {
	host, err := os.Hostname()
	if err != nil {
		host = "host not detected"
	}
	return &ActivityMessage{
		ID:        ulid.Make().String(),
		Hostname:  host,
		Githash:   githash,
		Version:   version,
		GoVersion: runtime.Version(),
		CPUs:      runtime.NumCPU(),
		Start:     time.Now(),
	}
}

// RunMessage is the information for the acquisitionruns table. A run is
// inserted when it starts and again, with End set, when it stops.
type RunMessage struct {
	ID             string
	ActivityID     string
	CommandAddress string
	Start          time.Time
	End            time.Time
}
