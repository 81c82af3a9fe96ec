package compress

// AnalyzerConfig sets when a payload is worth compressing.
type AnalyzerConfig struct {
	// MinSize is the smallest payload (bytes) that is compressed at all.
	// Default: 512
	MinSize int

	// MaxRatio is the largest compressed/original ratio still worth keeping.
	// Above it the payload is stored raw.
	// Default: 0.9
	MaxRatio float64
}

// DefaultAnalyzerConfig returns the default analyzer configuration.
func DefaultAnalyzerConfig() *AnalyzerConfig {
	return &AnalyzerConfig{
		MinSize:  512,
		MaxRatio: 0.9,
	}
}

// Stats describes one Pack call.
type Stats struct {
	OriginalSize int       `json:"original_size"`
	StoredSize   int       `json:"stored_size"`
	Ratio        float64   `json:"ratio"` // stored/original
	Algorithm    Algorithm `json:"algorithm"`
}

// Analyzer picks between the configured compressor and raw storage per
// payload. Small canonical reports barely shrink, and a tagged raw row is
// cheaper to read back.
type Analyzer struct {
	config     *AnalyzerConfig
	compressor *Compressor
	raw        *Compressor
}

// NewAnalyzer creates an analyzer that compresses with c.
func NewAnalyzer(config *AnalyzerConfig, c *Compressor) *Analyzer {
	if config == nil {
		config = DefaultAnalyzerConfig()
	}
	if c == nil {
		c = defaultZSTD
	}
	return &Analyzer{
		config:     config,
		compressor: c,
		raw:        NewCompressor(AlgorithmNone, LevelDefault),
	}
}

// Pack seals data, compressed when it pays off and raw otherwise.
func (a *Analyzer) Pack(data []byte) ([]byte, *Stats, error) {
	if len(data) >= a.config.MinSize && a.compressor.Algorithm() != AlgorithmNone {
		sealed, err := a.compressor.Seal(data)
		if err != nil {
			return nil, nil, err
		}
		ratio := float64(len(sealed)) / float64(len(data))
		if ratio <= a.config.MaxRatio {
			return sealed, &Stats{
				OriginalSize: len(data),
				StoredSize:   len(sealed),
				Ratio:        ratio,
				Algorithm:    a.compressor.Algorithm(),
			}, nil
		}
	}

	sealed, err := a.raw.Seal(data)
	if err != nil {
		return nil, nil, err
	}
	stats := &Stats{OriginalSize: len(data), StoredSize: len(sealed), Algorithm: AlgorithmNone}
	if len(data) > 0 {
		stats.Ratio = float64(len(sealed)) / float64(len(data))
	}
	return sealed, stats, nil
}
