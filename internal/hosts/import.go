package hosts

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/gluk-w/hostdeck/internal/database"
	"github.com/gluk-w/hostdeck/internal/logging"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// SeedFile is the YAML document accepted by Import:
//
//	hosts:
//	  - name: web1
//	    hostname: 10.0.0.5
//	    username: ubuntu
//	    password: s3cret
type SeedFile struct {
	Hosts []HostInput `yaml:"hosts"`
}

type ImportResult struct {
	Added   []string `json:"added"`
	Skipped []string `json:"skipped"`
}

// ImportFile reads a seed file from path and imports it.
func (s *Service) ImportFile(ctx context.Context, path string) (ImportResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ImportResult{}, fmt.Errorf("read seed file: %w", err)
	}
	return s.Import(ctx, data)
}

// Import inserts the hosts described by a YAML seed document without
// probing them; they start disconnected and the monitor picks them up.
// Hosts whose endpoint already exists are skipped. The whole document is
// validated before anything is written.
func (s *Service) Import(ctx context.Context, data []byte) (ImportResult, error) {
	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return ImportResult{}, &ValidationError{Message: fmt.Sprintf("parse seed file: %v", err)}
	}
	for i := range seed.Hosts {
		if err := s.prepare(&seed.Hosts[i]); err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				verr.Field = fmt.Sprintf("hosts[%d].%s", i, verr.Field)
			}
			return ImportResult{}, err
		}
	}

	res := ImportResult{Added: []string{}, Skipped: []string{}}
	for _, in := range seed.Hosts {
		encrypted, err := s.encrypt(in.credential())
		if err != nil {
			return res, err
		}
		host := &database.Host{
			ID:         s.newID(),
			Name:       in.Name,
			Hostname:   in.Hostname,
			Port:       in.Port,
			Username:   in.Username,
			AuthType:   in.AuthType,
			Credential: encrypted,
			IsActive:   in.IsActive == nil || *in.IsActive,
			Status:     database.StatusDisconnected,
		}
		err = s.repo.CreateHost(ctx, host)
		switch {
		case errors.Is(err, database.ErrHostExists):
			res.Skipped = append(res.Skipped, in.Name)
			continue
		case err != nil:
			return res, err
		}
		if err := s.invalidate(ctx, host.ID); err != nil {
			return res, err
		}
		res.Added = append(res.Added, host.ID)
	}

	s.log.Info("seed import finished", logging.Op("import"),
		zap.Int("added", len(res.Added)), zap.Int("skipped", len(res.Skipped)))
	return res, nil
}
