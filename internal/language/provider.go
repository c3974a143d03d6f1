package language

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"eino_nlu/internal/cache"
	"eino_nlu/internal/core"
	"eino_nlu/internal/metrics"
	"eino_nlu/internal/tools"
)

const (
	vectorsCacheFile = "lang_vectors.json"
	junkCacheFile    = "junk_words.json"
	tokensCacheFile  = "utterance_tokens.json"

	vectorBatchSize   = 100
	maxPayloadBytes   = 150 * 1024
	junkWordsCount    = 500
	junkSimilarity    = 0.75
	tokensCacheSize   = 200_000_000
	junkCacheSize     = 200_000_000
	vectorCacheFactor = 4 * 500_000
	maxConcurrentCall = 4
)

// ProviderConfig wires the sources and the on-disk caches.
type ProviderConfig struct {
	Sources   []Source
	CacheDir  string
	DumpDelay time.Duration
	POS       *POSTagger
	Seed      int64

	DiscoveryInterval    time.Duration
	DiscoveryMaxInterval time.Duration
	DiscoveryTimeout     time.Duration
	DiscoveryTries       int
}

func (c *ProviderConfig) setDefaults() {
	if c.DumpDelay == 0 {
		c.DumpDelay = 5 * time.Second
	}
	if c.Seed == 0 {
		c.Seed = 666
	}
	if c.DiscoveryInterval == 0 {
		c.DiscoveryInterval = time.Second
	}
	if c.DiscoveryMaxInterval == 0 {
		c.DiscoveryMaxInterval = 5 * time.Second
	}
	if c.DiscoveryTimeout == 0 {
		c.DiscoveryTimeout = 2 * time.Second
	}
	if c.DiscoveryTries == 0 {
		c.DiscoveryTries = 5
	}
	if c.POS == nil {
		c.POS = NewPOSTagger()
	}
}

type sourceState struct {
	src           Source
	languages     []string
	errors        int
	disabledUntil time.Time
}

type junkEntry struct {
	Gramset []string `json:"gramset"`
	Words   []string `json:"words"`
}

// Provider dispatches language calls to the first healthy source serving
// the language and caches every answer.
type Provider struct {
	sources []*sourceState
	dims    int

	mu  sync.Mutex
	rng *rand.Rand
	sem *semaphore.Weighted

	vectors *cache.LRU[[]float64]
	tokens  *cache.LRU[[]string]
	junk    *cache.LRU[junkEntry]
	dumpers []*cache.Dumper

	pos       *POSTagger
	stopWords map[string][]string
	log       zerolog.Logger
	now       func() time.Time
}

var _ core.LanguageProvider = (*Provider)(nil)

// NewProvider discovers every source and restores the cache dumps. It
// fails when no source is ready or when sources disagree on dimensions.
func NewProvider(ctx context.Context, cfg ProviderConfig, log zerolog.Logger) (*Provider, error) {
	cfg.setDefaults()
	p := &Provider{
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		sem:       semaphore.NewWeighted(maxConcurrentCall),
		pos:       cfg.POS,
		stopWords: loadStopWords(),
		log:       log.With().Str("component", "language").Logger(),
		now:       time.Now,
	}

	for _, src := range cfg.Sources {
		info, err := discover(ctx, src, cfg)
		if err != nil {
			p.log.Warn().Err(err).Str("source", src.Name()).Msg("could not discover language source")
			continue
		}
		if p.dims != 0 && info.Dimensions != p.dims {
			return nil, fmt.Errorf("language source %s has %d dimensions, expected %d: %w", src.Name(), info.Dimensions, p.dims, core.ErrDimensionMismatch)
		}
		p.dims = info.Dimensions
		p.sources = append(p.sources, &sourceState{src: src, languages: info.Languages})
		p.log.Info().Str("source", src.Name()).Strs("languages", info.Languages).Int("dimensions", info.Dimensions).Msg("language source ready")
	}
	if len(p.sources) == 0 {
		return nil, fmt.Errorf("no language source is ready: %w", core.ErrNoProvider)
	}

	p.vectors = cache.NewLRU[[]float64](int64(p.dims)*vectorCacheFactor, func(key string, v []float64) int64 {
		return int64(len(key) + 8*len(v))
	})
	p.tokens = cache.NewLRU[[]string](tokensCacheSize, func(key string, v []string) int64 {
		n := len(key)
		for _, t := range v {
			n += len(t)
		}
		return int64(n)
	})
	p.junk = cache.NewLRU[junkEntry](junkCacheSize, func(key string, v junkEntry) int64 {
		n := len(key)
		for _, s := range append(slices.Clone(v.Gramset), v.Words...) {
			n += len(s)
		}
		return int64(n)
	})

	if cfg.CacheDir != "" {
		watchCache(p, filepath.Join(cfg.CacheDir, vectorsCacheFile), p.vectors, cfg.DumpDelay)
		watchCache(p, filepath.Join(cfg.CacheDir, tokensCacheFile), p.tokens, cfg.DumpDelay)
		watchCache(p, filepath.Join(cfg.CacheDir, junkCacheFile), p.junk, cfg.DumpDelay)
	}
	return p, nil
}

func watchCache[V any](p *Provider, path string, c *cache.LRU[V], delay time.Duration) {
	if err := cache.Restore(path, c); err != nil {
		p.log.Warn().Err(err).Str("cache_file", path).Msg("could not restore language cache")
	}
	d := cache.NewDumper(path, delay, func() any { return c.Dump() }, p.log)
	c.OnChange(d.Trigger)
	p.dumpers = append(p.dumpers, d)
}

func discover(ctx context.Context, src Source, cfg ProviderConfig) (Info, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.DiscoveryInterval
	b.MaxInterval = cfg.DiscoveryMaxInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(cfg.DiscoveryTries-1)), ctx)

	var info Info
	err := backoff.Retry(func() error {
		callCtx, cancel := context.WithTimeout(ctx, cfg.DiscoveryTimeout)
		defer cancel()

		var err error
		info, err = src.Info(callCtx)
		if err != nil {
			return err
		}
		if !info.Ready {
			return errors.New("language source is not ready")
		}
		return nil
	}, policy)
	return info, err
}

// Close flushes the cache dumps.
func (p *Provider) Close() {
	for _, d := range p.dumpers {
		d.Close()
	}
}

// Dimensions is the size of the word vectors.
func (p *Provider) Dimensions() int {
	return p.dims
}

// Languages lists every language served by at least one source.
func (p *Provider) Languages() []string {
	var langs []string
	for _, s := range p.sources {
		for _, l := range s.languages {
			if !slices.Contains(langs, l) {
				langs = append(langs, l)
			}
		}
	}
	return langs
}

// query calls the sources serving lang in order until one succeeds. A
// failing source is put on cooldown for as many seconds as it failed,
// unless it is the only one left.
func (p *Provider) query(ctx context.Context, lang string, call func(Source) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)

	for _, s := range p.candidates(lang) {
		err := call(s.src)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.ProviderError(s.src.Name())
		p.log.Warn().Err(err).Str("source", s.src.Name()).Str("language", lang).Msg("language source failed")
		p.disable(s, lang)
	}
	return fmt.Errorf("language %s: %w", lang, core.ErrNoProvider)
}

func (p *Provider) candidates(lang string) []*sourceState {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var out []*sourceState
	for _, s := range p.sources {
		if slices.Contains(s.languages, lang) && !now.Before(s.disabledUntil) {
			out = append(out, s)
		}
	}
	return out
}

func (p *Provider) disable(s *sourceState, lang string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	available := 0
	for _, other := range p.sources {
		if slices.Contains(other.languages, lang) && !now.Before(other.disabledUntil) {
			available++
		}
	}
	if available > 1 {
		s.errors++
		s.disabledUntil = now.Add(time.Duration(s.errors) * time.Second)
	}
}

func vectorKey(lang, token string) string {
	return lang + "_" + url.QueryEscape(token)
}

// Vectorize returns one vector per token. Space tokens get a zero vector.
func (p *Provider) Vectorize(ctx context.Context, tokens []string, lang string) ([][]float64, error) {
	out := make([][]float64, len(tokens))
	var missing []int
	for i, t := range tokens {
		if tools.IsSpace(t) {
			out[i] = tools.Zeroes(p.dims)
			continue
		}
		if v, ok := p.vectors.Get(vectorKey(lang, strings.ToLower(t))); ok {
			out[i] = v
			continue
		}
		missing = append(missing, i)
	}

	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(missing); start += vectorBatchSize {
		batch := missing[start:min(start+vectorBatchSize, len(missing))]
		g.Go(func() error {
			words := make([]string, len(batch))
			for i, idx := range batch {
				words[i] = strings.ToLower(tokens[idx])
			}

			var vectors [][]float64
			err := p.query(gctx, lang, func(src Source) error {
				vecs, err := src.Vectorize(gctx, words, lang)
				if err != nil {
					return err
				}
				if len(vecs) != len(words) {
					return fmt.Errorf("got %d vectors for %d tokens: %w", len(vecs), len(words), core.ErrDimensionMismatch)
				}
				vectors = vecs
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to vectorize tokens: %w", err)
			}

			for i, idx := range batch {
				out[idx] = vectors[i]
				p.vectors.Set(vectorKey(lang, words[i]), vectors[i])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// chunkByPayload groups indexes so that each request stays under the
// payload cap, counting four bytes per character.
func chunkByPayload(utterances []string, idxs []int) [][]int {
	var chunks [][]int
	var current []int
	size := 0
	for _, idx := range idxs {
		n := len([]rune(utterances[idx])) * 4
		if len(current) > 0 && size+n > maxPayloadBytes {
			chunks = append(chunks, current)
			current, size = nil, 0
		}
		current = append(current, idx)
		size += n
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

// Tokenize splits each utterance into tokens. Raw source tokens are cached
// per lower-cased utterance; normalization against vocab and the original
// casing are applied on every call.
func (p *Provider) Tokenize(ctx context.Context, utterances []string, lang string, vocab map[string]bool) ([][]string, error) {
	raw := make([][]string, len(utterances))
	lowered := make([]string, len(utterances))
	var missing []int
	for i, u := range utterances {
		lowered[i] = strings.ToLower(u)
		if toks, ok := p.tokens.Get(vectorKey(lang, lowered[i])); ok {
			raw[i] = toks
			continue
		}
		missing = append(missing, i)
	}

	for _, chunk := range chunkByPayload(lowered, missing) {
		texts := make([]string, len(chunk))
		for i, idx := range chunk {
			texts[i] = lowered[idx]
		}

		var tokens [][]string
		err := p.query(ctx, lang, func(src Source) error {
			toks, err := src.Tokenize(ctx, texts, lang)
			if err != nil {
				return err
			}
			if len(toks) != len(texts) {
				return fmt.Errorf("got %d tokenized utterances for %d inputs", len(toks), len(texts))
			}
			tokens = toks
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to tokenize utterances: %w", err)
		}

		for i, idx := range chunk {
			raw[idx] = tokens[i]
			p.tokens.Set(vectorKey(lang, texts[i]), tokens[i])
		}
	}

	out := make([][]string, len(utterances))
	for i, toks := range raw {
		out[i] = tools.RestoreOriginalUtteranceCasing(tools.ProcessUtteranceTokens(toks, vocab), utterances[i])
	}
	return out, nil
}

// TagPOS tags every tokenized utterance.
func (p *Provider) TagPOS(tokens [][]string, lang string) [][]string {
	out := make([][]string, len(tokens))
	for i, toks := range tokens {
		out[i] = p.pos.TagSentence(toks, lang)
	}
	return out
}

func (p *Provider) IsPOSAvailable(lang string) bool {
	return p.pos.IsAvailable(lang)
}

func (p *Provider) StopWords(lang string) []string {
	return p.stopWords[lang]
}

// GenerateSimilarJunkWords builds words out of the character n-grams of the
// vocabulary. A previous set is reused when its n-grams are close enough.
func (p *Provider) GenerateSimilarJunkWords(ctx context.Context, vocab []string, lang string) ([]string, error) {
	gramset := tools.VocabNGram(vocab)
	if len(gramset) == 0 {
		return nil, nil
	}

	for _, e := range p.junk.Dump() {
		if tools.SetSimilarity(gramset, e.Value.Gramset) >= junkSimilarity {
			return e.Value.Words, nil
		}
	}

	words := p.junkWords(vocab, gramset)
	if _, err := p.Vectorize(ctx, words, lang); err != nil {
		return nil, fmt.Errorf("failed to vectorize junk words: %w", err)
	}
	p.junk.Set(lang+"_"+strings.Join(gramset, ""), junkEntry{Gramset: gramset, Words: words})
	return words, nil
}

func (p *Provider) junkWords(vocab, gramset []string) []string {
	var lengths []float64
	for _, w := range vocab {
		lengths = append(lengths, float64(len([]rune(w))))
	}
	mean := tools.Mean(lengths)
	minSize := max(1, int(mean/2))
	maxSize := max(minSize, min(20, int(mean*1.5)))

	p.mu.Lock()
	defer p.mu.Unlock()

	words := make([]string, junkWordsCount)
	for i := range words {
		size := minSize + p.rng.Intn(maxSize-minSize+1)
		var b strings.Builder
		for j := 0; j < size; j++ {
			b.WriteString(gramset[p.rng.Intn(len(gramset))])
		}
		words[i] = b.String()
	}
	return words
}
