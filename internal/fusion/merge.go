package fusion

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/arbovm/levenshtein"
	"github.com/codycollier/wer"
	"github.com/google/uuid"

	"github.com/anime-shed/image-orchestrator/pkg/models"
)

const (
	maxMergedKeywords = 20
	// keywords at least this long are merged when one edit apart
	fuzzyMinLength = 5
)

// Contribution is one backend's successful answer to a request
type Contribution struct {
	Backend string
	Result  models.AnalysisResult
	Latency time.Duration
}

// Merge fuses the answers of several backends. Contributions are expected
// in preference order; earlier ones win ties.
func Merge(contributions []Contribution) models.AnalysisResult {
	if len(contributions) == 0 {
		return models.AnalysisResult{}.Normalize()
	}

	provenance := models.Provenance{
		Source:   models.SourceBackend,
		Backends: make(map[string]models.BackendContribution, len(contributions)),
		Fused:    len(contributions) > 1,
	}
	for _, c := range contributions {
		provenance.Backends[c.Backend] = models.BackendContribution{
			Confidence: models.ClampConfidence(c.Result.Confidence),
			LatencyMs:  c.Latency.Milliseconds(),
			Keywords:   len(c.Result.Keywords),
		}
	}

	if len(contributions) == 1 {
		out := contributions[0].Result.Normalize()
		out.Provenance = provenance
		return out
	}

	var (
		keywords = newTally(true)
		colors   = newTally(false)
		styles   = newTally(false)
		moods    = newTally(false)
		sum      float64
		created  time.Time
	)
	for _, c := range contributions {
		r := c.Result
		for _, kw := range r.Keywords {
			keywords.vote(c.Backend, kw)
		}
		for _, col := range r.Colors {
			colors.vote(c.Backend, col)
		}
		if !styleSentinels[strings.ToLower(r.Style)] {
			styles.vote(c.Backend, r.Style)
		}
		if !moodSentinels[strings.ToLower(r.Mood)] {
			moods.vote(c.Backend, r.Mood)
		}
		sum += models.ClampConfidence(r.Confidence)
		if r.CreatedAt.After(created) {
			created = r.CreatedAt
		}
	}

	mean := sum / float64(len(contributions))
	out := models.AnalysisResult{
		ID:         uuid.NewString(),
		Keywords:   keywords.ranked(maxMergedKeywords),
		Colors:     colors.ranked(0),
		Style:      styles.winner(),
		Mood:       moods.winner(),
		Confidence: mean * (0.5 + 0.5*Agreement(contributions)),
		Embedding:  mergeEmbeddings(contributions),
		Provenance: provenance,
		CreatedAt:  created,
	}
	return out.Normalize()
}

// Agreement is one minus the mean pairwise word error rate between the
// contributions' keyword lists, in [0,1]. A single contribution agrees
// with itself.
func Agreement(contributions []Contribution) float64 {
	if len(contributions) < 2 {
		return 1
	}

	lists := make([][]string, len(contributions))
	for i, c := range contributions {
		lists[i] = canonicalWords(c.Result.Keywords)
	}

	var total float64
	pairs := 0
	for i := 0; i < len(lists); i++ {
		for j := i + 1; j < len(lists); j++ {
			total += pairError(lists[i], lists[j])
			pairs++
		}
	}
	return 1 - total/float64(pairs)
}

// pairError is the symmetric word error rate of two keyword lists, capped at 1
func pairError(a, b []string) float64 {
	switch {
	case len(a) == 0 && len(b) == 0:
		return 0
	case len(a) == 0 || len(b) == 0:
		return 1
	}
	ab, _ := wer.WER(a, b)
	ba, _ := wer.WER(b, a)
	e := (ab + ba) / 2
	if math.IsNaN(e) || e > 1 {
		return 1
	}
	if e < 0 {
		return 0
	}
	return e
}

// canonicalWords lowercases and sorts so agreement ignores keyword order
func canonicalWords(keywords []string) []string {
	out := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			out = append(out, kw)
		}
	}
	sort.Strings(out)
	return out
}

// mergeEmbeddings averages the embeddings element-wise when every non-empty
// one has the same length; otherwise the first non-empty one is kept
func mergeEmbeddings(contributions []Contribution) []float64 {
	var vectors [][]float64
	for _, c := range contributions {
		if len(c.Result.Embedding) > 0 {
			vectors = append(vectors, c.Result.Embedding)
		}
	}
	if len(vectors) == 0 {
		return nil
	}

	dim := len(vectors[0])
	for _, v := range vectors[1:] {
		if len(v) != dim {
			return append([]float64(nil), vectors[0]...)
		}
	}

	out := make([]float64, dim)
	for _, v := range vectors {
		for i, x := range v {
			out[i] += x
		}
	}
	for i := range out {
		out[i] /= float64(len(vectors))
	}
	return out
}

// tally counts one vote per backend per term, remembering first appearance
type tally struct {
	fuzzy  bool
	terms  []string
	voters []map[string]bool
}

func newTally(fuzzy bool) *tally {
	return &tally{fuzzy: fuzzy}
}

func (t *tally) vote(backend, term string) {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return
	}
	i := t.find(term)
	if i < 0 {
		t.terms = append(t.terms, term)
		t.voters = append(t.voters, make(map[string]bool))
		i = len(t.terms) - 1
	}
	t.voters[i][backend] = true
}

func (t *tally) find(term string) int {
	for i, existing := range t.terms {
		if existing == term {
			return i
		}
	}
	if !t.fuzzy || len(term) < fuzzyMinLength {
		return -1
	}
	for i, existing := range t.terms {
		if len(existing) >= fuzzyMinLength && levenshtein.Distance(existing, term) <= 1 {
			return i
		}
	}
	return -1
}

// ranked returns terms by vote count, then first appearance; limit <= 0 keeps all
func (t *tally) ranked(limit int) []string {
	idx := make([]int, len(t.terms))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return len(t.voters[idx[a]]) > len(t.voters[idx[b]])
	})
	if limit > 0 && len(idx) > limit {
		idx = idx[:limit]
	}
	out := make([]string, len(idx))
	for i, j := range idx {
		out[i] = t.terms[j]
	}
	return out
}

// winner is the most voted term, or "" when nothing was voted for
func (t *tally) winner() string {
	if r := t.ranked(1); len(r) > 0 {
		return r[0]
	}
	return ""
}
