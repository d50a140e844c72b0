// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianAgent/services/orchestrator"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/approval"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/events"
	"github.com/AleutianAI/AleutianAgent/services/orchestrator/observability"
)

// errTurnFailed is returned when the turn ends with an error event. The
// event itself has already been printed.
var errTurnFailed = errors.New("turn failed")

// approver decides one tool approval request.
type approver func(tool string, args map[string]any) (bool, error)

type turnFlags struct {
	mode      string
	agentID   string
	agentMode string
	session   string
	thinking  bool
	noSearch  bool
	yes       bool
	verbose   bool
}

func newTurnCmd() *cobra.Command {
	var f turnFlags
	cmd := &cobra.Command{
		Use:   "turn [message]",
		Short: "Run one turn in-process and print the answer",
		Long: `Runs a single turn against the configured backends without starting the
server. The message is read from stdin when no argument is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := readMessage(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return runTurn(cmd, f, msg)
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.mode, "mode", "m", "chat", "chat, search, search_agentic, deep_research or agent")
	fl.StringVar(&f.agentID, "agent", "", "agent id for agent mode")
	fl.StringVar(&f.agentMode, "agent-mode", "", "fast, low, high or direct")
	fl.StringVarP(&f.session, "session", "s", "", "session id, new when empty")
	fl.BoolVar(&f.thinking, "thinking", false, "stream the model's reasoning")
	fl.BoolVar(&f.noSearch, "no-search", false, "skip web search")
	fl.BoolVarP(&f.yes, "yes", "y", false, "approve every tool call")
	fl.BoolVarP(&f.verbose, "verbose", "v", false, "print node activity")
	return cmd
}

func readMessage(args []string, in io.Reader) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	b, err := io.ReadAll(in)
	if err != nil {
		return "", fmt.Errorf("reading message: %w", err)
	}
	msg := strings.TrimSpace(string(b))
	if msg == "" {
		return "", errors.New("no message given")
	}
	return msg, nil
}

func runTurn(cmd *cobra.Command, f turnFlags, msg string) error {
	cfg, logger, err := loadConfig(true)
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := orchestrator.New(ctx, cfg, orchestrator.Options{
		Version:       version,
		Logger:        logger.Slog(),
		Registry:      prometheus.NewRegistry(),
		SkipTelemetry: true,
	})
	if err != nil {
		return err
	}
	defer svc.Close()

	req := &datatypes.TurnRequest{
		SessionID:     f.session,
		Message:       msg,
		Mode:          f.mode,
		AgentID:       f.agentID,
		AgentMode:     f.agentMode,
		ThinkingMode:  f.thinking,
		SkipWebSearch: f.noSearch,
	}
	decide := promptApproval
	if f.yes {
		decide = func(string, map[string]any) (bool, error) { return true, nil }
	} else if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		decide = func(string, map[string]any) (bool, error) { return false, nil }
	}

	svc.Metrics().StreamStarted(observability.TransportCLI)
	defer svc.Metrics().StreamEnded(observability.TransportCLI)

	r := &renderer{out: cmd.OutOrStdout(), verbose: f.verbose}
	return streamTurn(ctx, svc, req, r, decide)
}

// streamTurn runs req and renders its events until the terminal one.
// Approval requests are answered inline through decide.
func streamTurn(ctx context.Context, svc *orchestrator.Service, req *datatypes.TurnRequest, r *renderer, decide approver) error {
	sink := events.NewChannelSink(64)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		_, _ = svc.Engine().RunTurn(ctx, req, sink)
	}()
	defer func() {
		sink.Close()
		<-finished
	}()

	for {
		select {
		case ev := <-sink.Events():
			r.render(ev)
			if id, ok := ev.Data["approval_request_id"].(string); ok {
				if err := answerApproval(svc, id, ev, decide); err != nil {
					return err
				}
			}
			switch ev.Type {
			case events.TypeError:
				return errTurnFailed
			case events.TypeDone:
				return nil
			}
		case <-finished:
			// RunTurn always emits a terminal event; drain what is left.
			for {
				select {
				case ev := <-sink.Events():
					r.render(ev)
					if ev.Type == events.TypeError {
						return errTurnFailed
					}
					if ev.Type == events.TypeDone {
						return nil
					}
				default:
					return ctx.Err()
				}
			}
		}
	}
}

func answerApproval(svc *orchestrator.Service, id string, ev events.Event, decide approver) error {
	tool, _ := ev.Data["tool"].(string)
	args, _ := ev.Data["args"].(map[string]any)
	ok, err := decide(tool, args)
	if err != nil {
		return fmt.Errorf("approval prompt: %w", err)
	}
	d := approval.Decision{Approved: ok}
	if !ok {
		d.Reason = "denied at the terminal"
	}
	if err := svc.Approvals().Resolve(id, d); err != nil {
		svc.Metrics().RecordUnknownApproval()
		return nil
	}
	svc.Metrics().RecordApproval(tool, ok)
	return nil
}

func promptApproval(tool string, args map[string]any) (bool, error) {
	desc, _ := json.MarshalIndent(args, "", "  ")
	var ok bool
	err := huh.NewConfirm().
		Title(fmt.Sprintf("Run tool %q?", tool)).
		Description(string(desc)).
		Affirmative("Approve").
		Negative("Deny").
		Value(&ok).
		Run()
	if errors.Is(err, huh.ErrUserAborted) {
		return false, nil
	}
	return ok, err
}
