package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"botfleet/internal/domain"

	"gopkg.in/yaml.v3"
)

type seedFile struct {
	Bindings []seedBinding `yaml:"bindings"`
}

type seedBinding struct {
	AgentID      string `yaml:"agentId"`
	Platform     string `yaml:"platform"`
	Token        string `yaml:"token"`
	DesiredState string `yaml:"desiredState"`
}

// ApplySeed upserts bindings declared in a YAML file and returns how many
// were written. A binding already stored with the same credentials and
// desired state is skipped, so restarting with an unchanged seed file does
// not bump versions and cycle every connection.
func (s *Store) ApplySeed(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("cannot read seed file %s: %w", path, err)
	}

	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return 0, fmt.Errorf("cannot parse seed file %s: %w", path, err)
	}

	applied := 0
	for i, sb := range f.Bindings {
		if sb.AgentID == "" {
			return applied, fmt.Errorf("seed binding %d: agentId is required", i)
		}
		platform, err := domain.ParsePlatform(sb.Platform)
		if err != nil {
			return applied, fmt.Errorf("seed binding %d: %w", i, err)
		}
		if sb.Token == "" {
			return applied, fmt.Errorf("seed binding %d: token is required", i)
		}

		state := domain.StateEnabled
		switch sb.DesiredState {
		case "", string(domain.StateEnabled):
		case string(domain.StateDisabled):
			state = domain.StateDisabled
		default:
			return applied, fmt.Errorf("seed binding %d: invalid desiredState %q", i, sb.DesiredState)
		}

		creds := domain.BotCredentials{Token: sb.Token}.Encode()

		existing, err := s.Get(ctx, sb.AgentID, platform)
		if err == nil && existing.DesiredState == state && bytes.Equal(existing.Credentials, creds) {
			continue
		}
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return applied, err
		}

		if _, err := s.Put(ctx, domain.Binding{
			AgentID:      sb.AgentID,
			Platform:     platform,
			Credentials:  creds,
			DesiredState: state,
		}); err != nil {
			return applied, fmt.Errorf("seed binding %d: %w", i, err)
		}
		applied++
	}

	s.logger.Info("seed applied", "path", path, "bindings", len(f.Bindings), "written", applied)
	return applied, nil
}
