package main

import (
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"tapline/internal/ui"
)

// runWithUI runs fn while a progress view renders the events it sends.
// fn must not close the channel.
func runWithUI(title string, files []string, fn func(events chan<- ui.Event) error) error {
	events := make(chan ui.Event, 256)
	outcomeCh := make(chan error, 1)

	go func() {
		err := fn(events)
		outcomeCh <- err
		close(events)
	}()

	model := ui.NewProgressModel(title, files, events)
	// без ввода терминал не уходит в raw mode, и Ctrl+C доходит до обработчика run
	program := tea.NewProgram(model, tea.WithOutput(os.Stdout), tea.WithInput(nil), tea.WithoutSignalHandler())
	_, uiErr := program.Run()
	// view закрыт раньше времени: дочитываем события, чтобы fn не встал на отправке
	go func() {
		for range events {
		}
	}()
	err := <-outcomeCh
	if uiErr != nil {
		return uiErr
	}
	return err
}

type uiMode string

const (
	uiModeAuto uiMode = "auto"
	uiModeOn   uiMode = "on"
	uiModeOff  uiMode = "off"
)

func readUIMode(value string) (uiMode, error) {
	switch mode := uiMode(strings.TrimSpace(strings.ToLower(value))); mode {
	case "":
		return uiModeAuto, nil
	case uiModeAuto, uiModeOn, uiModeOff:
		return mode, nil
	default:
		return "", fmt.Errorf("invalid --ui value %q (expected auto|on|off)", value)
	}
}

// shouldUseTUI decides whether run renders the progress view. Quiet runs
// and piped output get plain output in auto mode.
func shouldUseTUI(mode uiMode, quiet bool) bool {
	switch mode {
	case uiModeOn:
		return true
	case uiModeOff:
		return false
	default:
		return !quiet && isTerminal(os.Stdout)
	}
}
