package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/esisync/esisync/internal/config"
	"github.com/esisync/esisync/internal/core/engine"
	"github.com/esisync/esisync/internal/core/store"
	errwrap "github.com/esisync/esisync/internal/errors"
	"github.com/esisync/esisync/internal/observability"
)

// selfCheck is one step of the health command. A failing step stops the run
// with its exit code.
type selfCheck struct {
	name string
	code foundry.ExitCode
	run  func(ctx context.Context, env *checkEnv) (string, error)
}

type checkEnv struct {
	cfg *config.Config
	db  *store.Store
	now time.Time
}

var selfChecks = []selfCheck{
	{name: "version", code: foundry.ExitConfigInvalid, run: checkVersion},
	{name: "config", code: foundry.ExitConfigInvalid, run: checkConfig},
	{name: "entities", code: foundry.ExitConfigInvalid, run: checkEntities},
	{name: "store", code: foundry.ExitFailure, run: checkStore},
	{name: "budget", code: foundry.ExitFailure, run: checkBudget},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run self-health check",
	Long: `Run a self-health check: configuration loads and validates, every
configured entity names known endpoints, the store opens and migrates, and
the persisted error budget is readable.`,
	Run: func(cmd *cobra.Command, args []string) {
		logger := observability.CLILogger
		if logger == nil {
			ExitWithCodeStderr(foundry.ExitConfigInvalid, "Logger not initialized", errwrap.NewInternalError("logger not initialized"))
			return
		}

		env := &checkEnv{now: time.Now()}
		defer func() { _ = env.db.Close() }()

		for _, check := range selfChecks {
			detail, err := check.run(cmd.Context(), env)
			if err != nil {
				ExitWithCode(logger, check.code, fmt.Sprintf("Health check %q failed", check.name), err)
				return
			}
			logger.Info("✅ "+check.name, zap.String("detail", detail))
		}
		logger.Info("✅ All health checks passed")
	},
}

func checkVersion(context.Context, *checkEnv) (string, error) {
	if versionInfo.Version == "" {
		return "", errwrap.NewInternalError("version information missing")
	}
	return versionInfo.Version, nil
}

func checkConfig(_ context.Context, env *checkEnv) (string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	env.cfg = cfg
	return fmt.Sprintf("%d entities, store driver %s", len(cfg.Entities), cfg.Store.Driver), nil
}

// checkEntities rejects endpoint names the catalog does not know or has
// disabled, which would otherwise fail at serve time.
func checkEntities(_ context.Context, env *checkEnv) (string, error) {
	catalog := env.cfg.Catalog()
	var errs []error
	total := 0
	for _, entity := range env.cfg.Entities {
		for _, endpoint := range entityEndpoints(entity) {
			if _, ok := catalog.Lookup(endpoint); !ok {
				errs = append(errs, fmt.Errorf("entity %d: unknown or disabled endpoint %q", entity.ID, endpoint))
			}
			total++
		}
	}
	if len(errs) > 0 {
		return "", errors.Join(errs...)
	}
	return fmt.Sprintf("%d explicit endpoint selections", total), nil
}

func checkStore(ctx context.Context, env *checkEnv) (string, error) {
	db, err := openStore(ctx, env.cfg)
	if err != nil {
		return "", err
	}
	env.db = db
	return db.Driver(), nil
}

func checkBudget(ctx context.Context, env *checkEnv) (string, error) {
	state, err := env.db.GetRateLimit(ctx, engine.RateLimitKey)
	if err != nil {
		return "", err
	}
	if state == nil {
		return "no persisted budget", nil
	}
	if state.BackoffUntil != nil && state.BackoffUntil.After(env.now) {
		return fmt.Sprintf("backing off until %s", state.BackoffUntil.UTC().Format(time.RFC3339)), nil
	}
	return fmt.Sprintf("%d errors remaining", state.ErrorsRemaining), nil
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
