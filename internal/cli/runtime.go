package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ceremonia/checkin/internal/checkin"
	"github.com/ceremonia/checkin/internal/config"
	"github.com/ceremonia/checkin/internal/db"
	"github.com/ceremonia/checkin/internal/logging"
	"github.com/ceremonia/checkin/internal/models"
	"github.com/ceremonia/checkin/internal/queue"
	"github.com/ceremonia/checkin/internal/remote"
	syncpkg "github.com/ceremonia/checkin/internal/sync"
)

// stationRuntime is the station's wiring shared by the station, record,
// sync and pending commands.
type stationRuntime struct {
	cfg        config.StationConfig
	logger     *logging.Logger
	database   *db.DB // nil for the memory backend
	queue      queue.Store
	client     *remote.Client
	state      *checkin.State
	recorder   *checkin.Recorder
	reconciler *syncpkg.Reconciler
}

func openStation(cfg config.StationConfig, logger *logging.Logger) (*stationRuntime, error) {
	rt := &stationRuntime{cfg: cfg, logger: logger}

	switch cfg.QueueBackend {
	case config.QueueMemory:
		logger.Warn("Using the in-memory queue; queued check-ins are lost when the process exits")
		rt.queue = queue.NewMemoryQueue()
	default:
		database, err := db.OpenMigrated(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open local queue: %w", err)
		}
		rt.database = database
		rt.queue = queue.NewSQLiteQueue(database.DB)
		logger.Debug("Local queue opened", map[string]interface{}{"path": database.Path()})
	}

	rt.client = remote.NewClient(cfg.RemoteURL, remote.WithTimeout(cfg.RequestTimeout.Std()))
	rt.state = checkin.NewState(cfg.CeremonyID)
	rt.recorder = checkin.NewRecorder(rt.state, rt.client, rt.queue, &checkin.Config{
		Operator:   cfg.Operator,
		MaxPending: cfg.MaxPending,
		Logger:     logger,
	})
	rt.reconciler = syncpkg.NewReconciler(rt.queue, rt.client, &syncpkg.Config{
		RetryCeiling: cfg.RetryCeiling,
		Logger:       logger,
	})
	return rt, nil
}

func (rt *stationRuntime) Close() error {
	if rt.database != nil {
		return rt.database.Close()
	}
	return nil
}

// loadRoster reads invitees from a JSON file holding either an array or an
// object with an "invitees" array.
func loadRoster(path, ceremonyID string) (*checkin.Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var invitees []models.Invitee
	if err := json.Unmarshal(data, &invitees); err != nil {
		var wrapped struct {
			Invitees []models.Invitee `json:"invitees"`
		}
		if err2 := json.Unmarshal(data, &wrapped); err2 != nil {
			return nil, fmt.Errorf("parse roster %s: %w", path, err)
		}
		invitees = wrapped.Invitees
	}
	return checkin.NewRoster(ceremonyID, invitees), nil
}
