package metrics

import (
	"time"

	"github.com/packrat-io/packrat/pkg/log"
	"github.com/packrat-io/packrat/pkg/storage"
)

// Collector refreshes the inventory gauges from the database
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(30 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	counts, err := c.store.Counts()
	if err != nil {
		log.WithComponent("metrics").Warn().Err(err).Msg("failed to collect counts")
		UpdateComponent("database", false, err.Error())
		return
	}
	UpdateComponent("database", true, "")

	RepositoriesTotal.Set(float64(counts.Repositories))
	PackagesTotal.Set(float64(counts.Packages))
	ArtifactsTotal.Set(float64(counts.Artifacts))
	TokensTotal.Set(float64(counts.Tokens))
}
