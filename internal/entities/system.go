package entities

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"eino_nlu/internal/cache"
	"eino_nlu/internal/tools"
)

// SystemExtractor recognizes built-in entity types such as numbers or dates.
type SystemExtractor interface {
	EntityTypes() []string
	ExtractMultiple(ctx context.Context, inputs []string, lang string, useCache bool) ([][]ExtractedEntity, error)
}

// NoopExtractor extracts nothing. It stands in when no system entity
// service is configured.
type NoopExtractor struct{}

func (NoopExtractor) EntityTypes() []string { return nil }

func (NoopExtractor) ExtractMultiple(_ context.Context, inputs []string, _ string, _ bool) ([][]ExtractedEntity, error) {
	return make([][]ExtractedEntity, len(inputs)), nil
}

var DucklingEntities = []string{
	"amountOfMoney", "distance", "duration", "email", "number", "ordinal",
	"phoneNumber", "quantity", "temperature", "time", "url", "volume",
}

// JoinChar separates the utterances of one Duckling batch.
const JoinChar = "::" + tools.SPACE + "::"

const (
	ducklingBatchSize = 10
	ducklingMaxTries  = 3
	ducklingCacheSize = 1000 * 2 * 10 * 100 * 50
	ducklingDumpDelay = 10 * time.Second
)

type DucklingConfig struct {
	URL       string
	CachePath string
	Timezone  string
	Timeout   time.Duration
}

// DucklingExtractor calls a Duckling server to extract system entities.
// Results are cached per input text and the cache is dumped to disk.
type DucklingExtractor struct {
	baseURL string
	tz      string
	client  *http.Client
	enabled bool
	cache   *cache.LRU[[]ExtractedEntity]
	dumper  *cache.Dumper
	log     zerolog.Logger
	now     func() time.Time
}

// NewDucklingExtractor probes the server and restores the cache dump. An
// unreachable server leaves the extractor disabled rather than failing.
func NewDucklingExtractor(ctx context.Context, cfg DucklingConfig, log zerolog.Logger) *DucklingExtractor {
	if cfg.Timeout == 0 {
		cfg.Timeout = 500 * time.Millisecond
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}

	d := &DucklingExtractor{
		baseURL: strings.TrimSuffix(cfg.URL, "/"),
		tz:      cfg.Timezone,
		client:  &http.Client{Timeout: cfg.Timeout},
		log:     log.With().Str("component", "duckling").Logger(),
		now:     time.Now,
	}
	d.cache = cache.NewLRU[[]ExtractedEntity](ducklingCacheSize, entitiesSize)

	err := backoff.Retry(func() error { return d.ping(ctx) }, d.retryPolicy(ctx))
	if err != nil {
		d.log.Warn().Err(err).Msg("couldn't reach the Duckling server, system entities disabled")
	} else {
		d.enabled = true
	}

	if cfg.CachePath != "" {
		if err := cache.Restore(cfg.CachePath, d.cache); err != nil {
			d.log.Warn().Err(err).Msg("could not load duckling cache")
		}
		d.dumper = cache.NewDumper(cfg.CachePath, ducklingDumpDelay, func() any { return d.cache.Dump() }, d.log)
		d.cache.OnChange(d.dumper.Trigger)
	}
	return d
}

func entitiesSize(key string, value []ExtractedEntity) int64 {
	n := len(key)
	for _, e := range value {
		n += 64 + len(e.Type) + len(e.Value) + len(e.Metadata.Source) + len(e.Metadata.EntityID) + len(e.Metadata.Unit)
	}
	return int64(n)
}

func (d *DucklingExtractor) retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.Multiplier = 2
	return backoff.WithContext(backoff.WithMaxRetries(b, ducklingMaxTries-1), ctx)
}

func (d *DucklingExtractor) ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/", nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if strings.TrimSpace(string(body)) != "quack!" {
		return backoff.Permanent(errors.New("bad response from Duckling server"))
	}
	return nil
}

// Enabled reports whether the server answered the startup probe.
func (d *DucklingExtractor) Enabled() bool {
	return d.enabled
}

func (d *DucklingExtractor) EntityTypes() []string {
	if !d.enabled {
		return nil
	}
	return DucklingEntities
}

// Close flushes the cache dump.
func (d *DucklingExtractor) Close() {
	if d.dumper != nil {
		d.dumper.Close()
	}
}

func (d *DucklingExtractor) ExtractMultiple(ctx context.Context, inputs []string, lang string, useCache bool) ([][]ExtractedEntity, error) {
	out := make([][]ExtractedEntity, len(inputs))
	if !d.enabled {
		return out, nil
	}

	var toFetch []int
	for i, input := range inputs {
		if useCache {
			if cached, ok := d.cache.Get(input); ok {
				out[i] = cached
				continue
			}
		}
		toFetch = append(toFetch, i)
	}

	for start := 0; start < len(toFetch); start += ducklingBatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch := toFetch[start:min(start+ducklingBatchSize, len(toFetch))]
		texts := make([]string, len(batch))
		for i, idx := range batch {
			texts[i] = inputs[idx]
		}
		results, ok := d.extractBatch(ctx, texts, lang)
		for i, idx := range batch {
			out[idx] = results[i]
			if ok {
				d.cache.Set(inputs[idx], results[i])
			}
		}
	}
	return out, nil
}

var joinCharRegex = regexp.MustCompile(regexp.QuoteMeta(JoinChar))

// extractBatch sends the batch as one text and splits the entities back
// per input. The boolean is false when the call failed.
func (d *DucklingExtractor) extractBatch(ctx context.Context, batch []string, lang string) ([][]ExtractedEntity, bool) {
	results := make([][]ExtractedEntity, len(batch))
	concat := strings.Join(batch, JoinChar) + JoinChar

	entities, err := d.fetch(ctx, concat, lang)
	if err != nil {
		d.log.Warn().Err(err).Msg("error extracting duckling entities")
		return results, false
	}

	joinLen := len([]rune(JoinChar))
	locs := tools.ExtractPattern(concat, joinCharRegex)
	for i, loc := range locs {
		if i >= len(results) {
			break
		}
		from := 0
		if i > 0 {
			from = locs[i-1].SourceIndex + joinLen
		}
		to := loc.SourceIndex
		for _, e := range entities {
			if e.Start >= from && e.End <= to {
				e.Start -= from
				e.End -= from
				results[i] = append(results[i], e)
			}
		}
	}
	return results, true
}

type ducklingValue struct {
	Value      any    `json:"value"`
	Unit       string `json:"unit"`
	Grain      string `json:"grain"`
	Normalized *struct {
		Value any    `json:"value"`
		Unit  string `json:"unit"`
	} `json:"normalized"`
}

type ducklingEntity struct {
	Body  string        `json:"body"`
	Start int           `json:"start"`
	End   int           `json:"end"`
	Dim   string        `json:"dim"`
	Value ducklingValue `json:"value"`
}

func (d *DucklingExtractor) fetch(ctx context.Context, text, lang string) ([]ExtractedEntity, error) {
	form := url.Values{}
	form.Set("lang", lang)
	form.Set("text", text)
	form.Set("reftime", strconv.FormatInt(d.now().UnixMilli(), 10))
	form.Set("tz", d.tz)

	var raw []ducklingEntity
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/parse", strings.NewReader(form.Encode()))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := d.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("duckling responded %d", resp.StatusCode)
		}
		if err := sonic.Unmarshal(body, &raw); err != nil {
			return fmt.Errorf("unexpected response from Duckling, expected an array: %w", err)
		}
		return nil
	}
	if err := backoff.Retry(op, d.retryPolicy(ctx)); err != nil {
		return nil, err
	}

	out := make([]ExtractedEntity, 0, len(raw))
	for _, e := range raw {
		out = append(out, mapDucklingEntity(e))
	}
	return out, nil
}

func mapDucklingEntity(e ducklingEntity) ExtractedEntity {
	value, unit := e.Value.Value, e.Value.Unit
	switch e.Dim {
	case "duration":
		if e.Value.Normalized != nil {
			value, unit = e.Value.Normalized.Value, e.Value.Normalized.Unit
		}
	case "time":
		unit = e.Value.Grain
	}

	ent := ExtractedEntity{Start: e.Start, End: e.End}
	ent.Type = e.Dim
	ent.Value = formatValue(value)
	ent.Confidence = 1
	ent.Metadata.Extractor = ExtractorSystem
	ent.Metadata.Source = e.Body
	ent.Metadata.EntityID = "system." + e.Dim
	ent.Metadata.Unit = unit
	return ent
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}
