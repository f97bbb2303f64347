// Package matching implements the word/translation matching mini-game.
package matching

import (
	"errors"
	"math/rand/v2"
	"strconv"
	"sync"

	"github.com/Vashi-123/englishv2-sub003/internal/domain"
)

type Side string

const (
	SideWord        Side = "word"
	SideTranslation Side = "translation"
)

var (
	ErrUnknownOption = errors.New("matching: unknown option")
	ErrAlreadyDone   = errors.New("matching: game already complete")
	ErrNoPairs       = errors.New("matching: no word pairs")
)

// Option is one tile on either side of the board.
type Option struct {
	ID      string `json:"id"`
	Text    string `json:"text"`
	PairID  string `json:"pairId"`
	Matched bool   `json:"matched"`
}

// Outcome describes what a Pick did.
type Outcome int

const (
	// Pending means a selection was recorded and the other side is awaited.
	Pending Outcome = iota
	Matched
	Mismatched
	// Completed is a match that finished the board.
	Completed
	Ignored
)

// Snapshot is a copy of the board for rendering.
type Snapshot struct {
	Words        []Option `json:"words"`
	Translations []Option `json:"translations"`
	SelectedWord string   `json:"selectedWord,omitempty"`
	SelectedTr   string   `json:"selectedTranslation,omitempty"`
	Complete     bool     `json:"complete"`
}

// Game is safe for concurrent use.
type Game struct {
	mu           sync.Mutex
	words        []Option
	translations []Option
	selWord      int
	selTr        int
	complete     bool
}

// New builds a board from words and shuffles each side independently.
// Words without a translation are skipped. A nil rng uses the global source.
func New(words []domain.VocabWord, rng *rand.Rand) (*Game, error) {
	g := &Game{selWord: -1, selTr: -1}
	for i, w := range words {
		if w.Word == "" || w.Translation == "" {
			continue
		}
		pair := strconv.Itoa(i)
		g.words = append(g.words, Option{ID: "w" + pair, Text: w.Word, PairID: pair})
		g.translations = append(g.translations, Option{ID: "t" + pair, Text: w.Translation, PairID: pair})
	}
	if len(g.words) == 0 {
		return nil, ErrNoPairs
	}
	shuffle(g.words, rng)
	shuffle(g.translations, rng)
	return g, nil
}

// shuffle is a Fisher–Yates permutation.
func shuffle(opts []Option, rng *rand.Rand) {
	for i := len(opts) - 1; i > 0; i-- {
		var j int
		if rng != nil {
			j = rng.IntN(i + 1)
		} else {
			j = rand.IntN(i + 1)
		}
		opts[i], opts[j] = opts[j], opts[i]
	}
}

// Pick records a selection on one side. Once both sides have a pending
// selection they are evaluated: equal pair ids match, anything else only
// clears the selections.
func (g *Game) Pick(side Side, id string) (Outcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.complete {
		return Ignored, ErrAlreadyDone
	}

	var opts []Option
	switch side {
	case SideWord:
		opts = g.words
	case SideTranslation:
		opts = g.translations
	default:
		return Ignored, ErrUnknownOption
	}
	idx := indexOf(opts, id)
	if idx < 0 {
		return Ignored, ErrUnknownOption
	}
	if opts[idx].Matched {
		return Ignored, nil
	}

	if side == SideWord {
		g.selWord = idx
	} else {
		g.selTr = idx
	}
	if g.selWord < 0 || g.selTr < 0 {
		return Pending, nil
	}

	w, tr := &g.words[g.selWord], &g.translations[g.selTr]
	g.selWord, g.selTr = -1, -1
	if w.PairID != tr.PairID {
		return Mismatched, nil
	}
	w.Matched, tr.Matched = true, true
	if allMatched(g.words) && allMatched(g.translations) {
		g.complete = true
		return Completed, nil
	}
	return Matched, nil
}

func (g *Game) Complete() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.complete
}

func (g *Game) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := Snapshot{
		Words:        append([]Option(nil), g.words...),
		Translations: append([]Option(nil), g.translations...),
		Complete:     g.complete,
	}
	if g.selWord >= 0 {
		s.SelectedWord = g.words[g.selWord].ID
	}
	if g.selTr >= 0 {
		s.SelectedTr = g.translations[g.selTr].ID
	}
	return s
}

func indexOf(opts []Option, id string) int {
	for i := range opts {
		if opts[i].ID == id {
			return i
		}
	}
	return -1
}

func allMatched(opts []Option) bool {
	for _, o := range opts {
		if !o.Matched {
			return false
		}
	}
	return true
}
