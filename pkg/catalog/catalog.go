// Package catalog holds the static challenge set configured by the
// operator. It is built once at startup and immutable afterwards.
package catalog

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/wisbric/instancer/internal/config"
)

// Challenge binds a user-visible description to a deployer executable and a
// time-to-live.
type Challenge struct {
	ID           string
	Name         string
	Description  *string
	TTL          uint32 // seconds
	DeployerPath string
}

// TTLDuration returns the challenge time-to-live as a duration.
func (c *Challenge) TTLDuration() time.Duration {
	return time.Duration(c.TTL) * time.Second
}

// Catalog maps challenge ids to their definitions.
type Catalog struct {
	challenges map[string]*Challenge
}

// Load builds the catalog from configuration. A challenge referencing an
// unknown deployer is dropped; one whose deployer executable does not exist
// on disk is dropped with a warning. Either way the entry is invisible to
// users and workers for the lifetime of the process.
func Load(cfg *config.Config, logger *slog.Logger) (*Catalog, error) {
	challenges := make(map[string]*Challenge, len(cfg.Challenges))

	for id, cc := range cfg.Challenges {
		deployer, ok := cfg.Deployers[cc.Deployer]
		if !ok {
			continue
		}

		ttl, err := config.ParseTTL(cc.TTL)
		if err != nil {
			return nil, fmt.Errorf("challenge %s: %w", id, err)
		}

		if _, err := os.Stat(deployer.Path); err != nil {
			logger.Warn("dropping challenge: deployer executable not found",
				"challenge", id,
				"deployer", cc.Deployer,
				"path", deployer.Path,
			)
			continue
		}

		challenges[id] = &Challenge{
			ID:           id,
			Name:         cc.Name,
			Description:  cc.Description,
			TTL:          ttl,
			DeployerPath: deployer.Path,
		}
	}

	return &Catalog{challenges: challenges}, nil
}

// Get returns the challenge with the given id, or nil if it is unknown.
func (c *Catalog) Get(id string) *Challenge {
	return c.challenges[id]
}

// Len returns the number of loaded challenges.
func (c *Catalog) Len() int {
	return len(c.challenges)
}

// All returns the challenges ordered by id.
func (c *Catalog) All() []*Challenge {
	result := make([]*Challenge, 0, len(c.challenges))
	for _, ch := range c.challenges {
		result = append(result, ch)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}
