package trunkstore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// inventoryResponse is the trunk-management server's wire format.
// sip_phone may carry several numbers comma-separated.
type inventoryResponse struct {
	Success bool                  `json:"success"`
	Trunks  map[string][]sipTrunk `json:"trunks"`
}

type sipTrunk struct {
	SipID       string `json:"sip_id"`
	SipPhone    string `json:"sip_phone"`
	SipVerified bool   `json:"sip_verified"`
}

// Fetcher periodically pulls trunk inventory over HTTP and pushes it
// into the store. The store keeps serving the previous inventory when
// a fetch fails.
type Fetcher struct {
	url      string
	interval time.Duration
	client   *http.Client
	store    *Store
	log      zerolog.Logger
	stop     chan struct{}
	stopOnce sync.Once
}

func NewFetcher(url string, interval, timeout time.Duration, store *Store, log zerolog.Logger) *Fetcher {
	return &Fetcher{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: timeout},
		store:    store,
		log:      log.With().Str("component", "trunk-fetcher").Logger(),
		stop:     make(chan struct{}),
	}
}

func (f *Fetcher) Start() {
	go f.loop()
}

func (f *Fetcher) Stop() {
	f.stopOnce.Do(func() { close(f.stop) })
}

func (f *Fetcher) loop() {
	// Fetch once up front so assignments can be made before the first tick.
	if err := f.FetchOnce(context.Background()); err != nil {
		f.log.Warn().Err(err).Msg("initial inventory fetch failed")
	}

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := f.FetchOnce(context.Background()); err != nil {
				f.log.Warn().Err(err).Msg("inventory fetch failed")
			}
		case <-f.stop:
			return
		}
	}
}

// FetchOnce performs a single inventory fetch and store update.
func (f *Fetcher) FetchOnce(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inventory server returned %d", resp.StatusCode)
	}

	var body inventoryResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode inventory: %w", err)
	}
	if !body.Success {
		return fmt.Errorf("inventory server reported success=false")
	}

	f.store.UpdateInventory(parseInventory(body.Trunks))
	f.log.Debug().Int("users", len(body.Trunks)).Msg("inventory refreshed")
	return nil
}

// parseInventory converts the wire format into store trunks, splitting
// comma-separated phone lists.
func parseInventory(raw map[string][]sipTrunk) map[string][]Trunk {
	out := make(map[string][]Trunk, len(raw))
	for token, list := range raw {
		for _, st := range list {
			out[token] = append(out[token], Trunk{
				ID:           st.SipID,
				PhoneNumbers: splitNumbers(st.SipPhone),
				Verified:     st.SipVerified,
			})
		}
	}
	return out
}

func splitNumbers(raw string) []string {
	var nums []string
	for _, n := range strings.Split(raw, ",") {
		if n = strings.TrimSpace(n); n != "" {
			nums = append(nums, n)
		}
	}
	return nums
}
