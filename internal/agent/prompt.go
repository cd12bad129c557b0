package agent

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"worksync/internal/agent/localstore"
)

// Prompter asks the user what to do with a session a previous run left open.
type Prompter interface {
	ResumeInterrupted(ws *localstore.WorkSession) (bool, error)
}

// LinePrompter asks on a terminal.
type LinePrompter struct {
	In  io.Reader
	Out io.Writer
}

func (p LinePrompter) ResumeInterrupted(ws *localstore.WorkSession) (bool, error) {
	fmt.Fprintf(p.Out, "A work session started at %s was not stopped.\nResume it? [Y/n] ",
		ws.StartTime.Local().Format("2006-01-02 15:04"))
	line, err := bufio.NewReader(p.In).ReadString('\n')
	if err != nil && line == "" {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "", "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}
