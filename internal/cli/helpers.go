package cli

import (
	"fmt"
	"os"

	"github.com/vibe-kanban/orchestrator/internal/config"
)

// loadAndValidateConfig loads a config file and validates it, printing
// accumulated errors to stderr, mirroring the teacher's
// loadAndValidateConfig helper.
func loadAndValidateConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		return nil, err
	}

	errs := config.Validate(cfg)
	if len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "Error: %s\n", e)
		}
		return nil, fmt.Errorf("%d validation error(s)", len(errs))
	}

	return cfg, nil
}

// resolveProfile returns profile validated against cfg, or, when profile is
// empty, defaults to the first configured profile — config.Validate already
// guarantees at least one exists.
func resolveProfile(cfg *config.Config, profile string) (string, error) {
	if profile == "" {
		return cfg.Profiles[0].Name, nil
	}
	if err := cfg.ValidateProfileName(profile); err != nil {
		return "", err
	}
	return profile, nil
}
