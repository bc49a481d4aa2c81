package ivr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ActionSpec is one dialogue step as the campaign catalog defines it.
type ActionSpec struct {
	Audio       string `json:"audio"`
	Next        string `json:"next,omitempty"`
	Digits      int    `json:"dgts,omitempty"`
	FinishOnKey string `json:"finishOnKey,omitempty"`
	Method      string `json:"method,omitempty"`
	Timeout     int    `json:"timeout"`
}

// Campaign maps step name → spec.
type Campaign map[string]ActionSpec

// Catalog holds the campaign dialogue scripts, refreshed periodically
// from the catalog server. Lookups serve the last good fetch.
type Catalog struct {
	mu        sync.RWMutex
	campaigns map[string]Campaign

	url      string
	interval time.Duration
	client   *http.Client
	log      zerolog.Logger
	stop     chan struct{}
	stopOnce sync.Once
}

func NewCatalog(url string, interval, timeout time.Duration, log zerolog.Logger) *Catalog {
	return &Catalog{
		campaigns: make(map[string]Campaign),
		url:       url,
		interval:  interval,
		client:    &http.Client{Timeout: timeout},
		log:       log.With().Str("component", "catalog").Logger(),
		stop:      make(chan struct{}),
	}
}

func (c *Catalog) Start() {
	go c.loop()
}

func (c *Catalog) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Catalog) loop() {
	if err := c.FetchOnce(context.Background()); err != nil {
		c.log.Warn().Err(err).Msg("initial catalog fetch failed")
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.FetchOnce(context.Background()); err != nil {
				c.log.Warn().Err(err).Msg("catalog fetch failed")
			}
		case <-c.stop:
			return
		}
	}
}

// FetchOnce pulls the catalog and replaces the in-memory map wholesale.
func (c *Catalog) FetchOnce(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("catalog server returned %d", resp.StatusCode)
	}

	var campaigns map[string]Campaign
	if err := json.NewDecoder(resp.Body).Decode(&campaigns); err != nil {
		return fmt.Errorf("decode catalog: %w", err)
	}

	c.Replace(campaigns)
	c.log.Info().Int("campaigns", len(campaigns)).Msg("campaign catalog refreshed")
	return nil
}

// Replace swaps the full campaign map; also the seam tests load through.
func (c *Catalog) Replace(campaigns map[string]Campaign) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.campaigns = campaigns
}

// Lookup resolves one step of a campaign.
func (c *Catalog) Lookup(campaign, step string) (ActionSpec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	steps, ok := c.campaigns[campaign]
	if !ok {
		return ActionSpec{}, false
	}
	spec, ok := steps[step]
	return spec, ok
}

// HasCampaign reports whether the campaign exists at all.
func (c *Catalog) HasCampaign(campaign string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.campaigns[campaign]
	return ok
}

// TwoGather reports whether the campaign drives two OTP rounds,
// identified by the presence of a gather1 step.
func (c *Catalog) TwoGather(campaign string) bool {
	_, ok := c.Lookup(campaign, "gather1")
	return ok
}

// StartStep picks the step a new call opens on: menu campaigns start on
// options, everything else on answer.
func (c *Catalog) StartStep(campaign string) string {
	if _, ok := c.Lookup(campaign, "options"); ok {
		return "options"
	}
	return "answer"
}

// Campaigns returns a snapshot for the debug endpoint.
func (c *Catalog) Campaigns() map[string]Campaign {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Campaign, len(c.campaigns))
	for name, steps := range c.campaigns {
		cp := make(Campaign, len(steps))
		for k, v := range steps {
			cp[k] = v
		}
		out[name] = cp
	}
	return out
}
