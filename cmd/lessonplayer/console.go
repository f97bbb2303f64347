package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/Vashi-123/englishv2-sub003/internal/classifier"
	"github.com/Vashi-123/englishv2-sub003/internal/dialogue"
	"github.com/Vashi-123/englishv2-sub003/internal/domain"
	"github.com/Vashi-123/englishv2-sub003/internal/matching"
	"github.com/Vashi-123/englishv2-sub003/internal/payload"
)

type lesson interface {
	Start(ctx context.Context) error
	SendTurn(ctx context.Context, input *string) error
	StartRecording() error
	StopRecording(ctx context.Context) error
	CancelRecording()
	RevealNextWord(ctx context.Context) error
	ReplayWord(index int) error
	Pick(side matching.Side, id string) error
	Restart(ctx context.Context) error
	Script(ctx context.Context) (domain.Script, error)
	State() dialogue.State
	OnChange(fn func(dialogue.State))
}

const help = `commands:
  <text>           answer
  /rec, /stop      record and submit a spoken answer (/cancel drops it)
  /next            reveal the next word
  /play N          replay word N
  /pick w|t ID     pick a matching tile
  /continue        continue without an answer
  /script          show the lesson vocabulary
  /restart         start the lesson over
  /quit`

type command struct {
	name  string
	text  string
	index int
	side  matching.Side
}

var errQuit = errors.New("quit")

func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{}, errors.New("empty input")
	}
	if !strings.HasPrefix(line, "/") {
		return command{name: "answer", text: line}, nil
	}

	fields := strings.Fields(line)
	name := strings.TrimPrefix(fields[0], "/")
	args := fields[1:]
	switch name {
	case "rec", "stop", "cancel", "next", "continue", "script", "restart", "quit", "help":
		return command{name: name}, nil
	case "play":
		if len(args) != 1 {
			return command{}, errors.New("usage: /play N")
		}
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return command{}, errors.New("usage: /play N (N starts at 1)")
		}
		return command{name: name, index: n - 1}, nil
	case "pick":
		if len(args) != 2 {
			return command{}, errors.New("usage: /pick w|t ID")
		}
		var side matching.Side
		switch args[0] {
		case "w", "word":
			side = matching.SideWord
		case "t", "translation":
			side = matching.SideTranslation
		default:
			return command{}, errors.New("usage: /pick w|t ID")
		}
		return command{name: name, side: side, text: args[1]}, nil
	default:
		return command{}, fmt.Errorf("unknown command /%s", name)
	}
}

type console struct {
	lesson lesson
	in     io.Reader
	out    *renderer
}

func newConsole(l lesson, in io.Reader, out io.Writer) *console {
	return &console{lesson: l, in: in, out: &renderer{out: out}}
}

// Run starts the lesson and executes commands until /quit, end of input or
// ctx cancellation.
func (c *console) Run(ctx context.Context) error {
	c.lesson.OnChange(c.out.Render)
	c.out.Println(help)
	if err := c.lesson.Start(ctx); err != nil {
		return err
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			cmd, err := parseCommand(line)
			if err != nil {
				c.out.Println(err.Error())
				continue
			}
			err = c.exec(ctx, cmd)
			if errors.Is(err, errQuit) {
				return nil
			}
			var de *dialogue.Error
			if errors.As(err, &de) {
				// Already rendered as a notice.
				continue
			}
			if err != nil {
				c.out.Println("error: " + err.Error())
			}
		}
	}
}

func (c *console) exec(ctx context.Context, cmd command) error {
	switch cmd.name {
	case "answer":
		return c.lesson.SendTurn(ctx, &cmd.text)
	case "continue":
		return c.lesson.SendTurn(ctx, nil)
	case "rec":
		if err := c.lesson.StartRecording(); err != nil {
			return err
		}
		c.out.Println("recording... /stop to submit")
		return nil
	case "stop":
		return c.lesson.StopRecording(ctx)
	case "cancel":
		c.lesson.CancelRecording()
		return nil
	case "next":
		return c.lesson.RevealNextWord(ctx)
	case "play":
		return c.lesson.ReplayWord(cmd.index)
	case "pick":
		return c.lesson.Pick(cmd.side, cmd.text)
	case "restart":
		c.out.Reset()
		return c.lesson.Restart(ctx)
	case "script":
		script, err := c.lesson.Script(ctx)
		if err != nil {
			return err
		}
		for i, w := range script.Vocabulary {
			c.out.Println(formatWord(i, w))
		}
		return nil
	case "help":
		c.out.Println(help)
		return nil
	case "quit":
		return errQuit
	}
	return fmt.Errorf("unhandled command %q", cmd.name)
}

// renderer prints state changes incrementally. Render may be called from
// playback goroutines.
type renderer struct {
	mu        sync.Mutex
	out       io.Writer
	printed   int
	words     int
	mode      domain.InputMode
	notice    string
	speaking  string
	board     string
	completed bool
}

func (r *renderer) Println(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.out, s)
}

func (r *renderer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.printed, r.words = 0, 0
	r.mode, r.notice, r.speaking, r.board = "", "", "", ""
}

func (r *renderer) Render(st dialogue.State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(st.Messages) < r.printed {
		r.printed = 0
	}
	for _, m := range st.Messages[r.printed:] {
		if line := formatMessage(m); line != "" {
			fmt.Fprintln(r.out, line)
		}
	}
	r.printed = len(st.Messages)

	if visible := st.VisibleWords(); visible > r.words {
		for i := r.words; i < visible; i++ {
			fmt.Fprintln(r.out, formatWord(i, st.Vocabulary[i]))
		}
		if visible < st.VocabTotal {
			fmt.Fprintln(r.out, "  /next for the next word")
		}
		r.words = visible
	} else if visible < r.words {
		r.words = visible
	}

	board := ""
	if st.Matching != nil {
		board = formatBoard(*st.Matching)
	}
	if board != r.board && board != "" {
		fmt.Fprint(r.out, board)
	}
	r.board = board

	if st.Speaking != nil && st.Speaking.Text != r.speaking {
		fmt.Fprintf(r.out, "  ♪ %s\n", st.Speaking.Text)
	}
	r.speaking = ""
	if st.Speaking != nil {
		r.speaking = st.Speaking.Text
	}

	if st.Notice != r.notice && st.Notice != "" {
		fmt.Fprintln(r.out, "! "+st.Notice)
	}
	r.notice = st.Notice

	if !st.Loading && st.Mode != r.mode {
		switch st.Mode {
		case domain.InputText:
			fmt.Fprintln(r.out, "(type your answer)")
		case domain.InputAudio:
			fmt.Fprintln(r.out, "(answer by voice: /rec, then /stop)")
		}
		r.mode = st.Mode
	}

	if st.Completed && !r.completed {
		fmt.Fprintln(r.out, "Lesson complete!")
		r.completed = true
	}
}

func formatMessage(m domain.Message) string {
	prefix := "you> "
	if m.Role == domain.RoleModel {
		prefix = "tutor> "
	}
	if m.Role == domain.RoleUser {
		return prefix + m.Text
	}

	p, err := payload.Parse(m.Text)
	if err != nil {
		text := strings.TrimSpace(classifier.StripMarkers(m.Text))
		if text == "" {
			return ""
		}
		return prefix + text
	}
	switch v := p.(type) {
	case payload.Goal:
		return prefix + "Goal: " + v.Goal
	case payload.WordsList:
		return prefix + fmt.Sprintf("New words (%d):", len(v.Words))
	case payload.AudioExercise:
		return prefix + v.Content
	case payload.TextExercise:
		return prefix + v.Content
	case payload.Section:
		return prefix + strings.TrimSpace(v.Title+"\n"+v.Content)
	case payload.Word:
		return prefix + formatWord(0, v.VocabWord)
	}
	return ""
}

func formatWord(i int, w domain.VocabWord) string {
	line := fmt.Sprintf("  %d. %s", i+1, w.Word)
	if w.Translation != "" {
		line += " - " + w.Translation
	}
	if w.Context != "" {
		line += fmt.Sprintf(" (%s)", w.Context)
	}
	return line
}

func formatBoard(s matching.Snapshot) string {
	var b strings.Builder
	if s.Complete {
		b.WriteString("  all pairs matched!\n")
		return b.String()
	}
	b.WriteString("  match the pairs:\n")
	rows := max(len(s.Words), len(s.Translations))
	for i := range rows {
		left, right := "", ""
		if i < len(s.Words) {
			left = tile(s.Words[i], s.SelectedWord)
		}
		if i < len(s.Translations) {
			right = tile(s.Translations[i], s.SelectedTr)
		}
		fmt.Fprintf(&b, "    %-24s %s\n", left, right)
	}
	return b.String()
}

func tile(o matching.Option, selected string) string {
	switch {
	case o.Matched:
		return "[✓] " + o.Text
	case o.ID == selected:
		return "[" + o.ID + "*] " + o.Text
	default:
		return "[" + o.ID + "] " + o.Text
	}
}
