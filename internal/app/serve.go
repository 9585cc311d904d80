package app

import (
	"context"
	"path/filepath"

	"github.com/normanking/helix/internal/maintenance"
	"github.com/normanking/helix/internal/server"
)

// ServerDeps exposes the components the control API reads from.
func (a *App) ServerDeps() server.Deps {
	return server.Deps{
		Bus:           a.Bus,
		Decisions:     a.Decisions,
		Usage:         a.Usage,
		Budget:        a.Budget,
		Thermal:       a.Thermal,
		ThermalPolicy: a.ThermalPolicy,
		LLM:           a.LLM,
		Builds:        a.Builder,
		Lock:          a.Builder.Lock(),
		Metrics:       a.Exporter.Handler(),
	}
}

// Maintenance builds the retention scheduler over this app's state.
func (a *App) Maintenance() (*maintenance.Scheduler, error) {
	return maintenance.New(maintenance.Config{
		UploadsDir: filepath.Join(a.Paths.Data, UploadsDir),
		Retention:  maintenance.UploadRetention,
		ChatLog:    a.Memory.Episodic,
		Budget:     a.Budget,
	})
}

// Serve runs the control server, the thermal monitor and the maintenance
// jobs until ctx is cancelled.
func (a *App) Serve(ctx context.Context) error {
	sched, err := a.Maintenance()
	if err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	a.StartThermal(ctx)

	srv := server.New(server.Config{
		Port:          a.Config.Web.Port,
		Version:       a.Version,
		CheckPassword: a.Config.CheckWebPassword,
	}, a.ServerDeps())
	a.log.Info().Str("addr", srv.Addr()).Msg("control server starting")
	return srv.ListenAndServe(ctx)
}
