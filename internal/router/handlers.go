package router

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/exe-blue/doai-me-app-sub000/pkg/envelope"
)

const maxOutputLog = 512

// systemPayload is the payload of a SYSTEM envelope.
type systemPayload struct {
	Command string `json:"command"`
}

// ShellHandler runs payload.command through `sh -c` with a timeout.
func ShellHandler(timeout time.Duration) Handler {
	return func(ctx context.Context, env envelope.Envelope) error {
		var p systemPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || strings.TrimSpace(p.Command) == "" {
			return &HandlerError{Code: "BAD_PAYLOAD", Err: errors.New("system envelope needs payload.command")}
		}
		return run(ctx, timeout, env, nil, "sh", "-c", p.Command)
	}
}

// ScriptHandler pipes the envelope JSON into script on stdin.
func ScriptHandler(script string, timeout time.Duration) Handler {
	return func(ctx context.Context, env envelope.Envelope) error {
		data, err := json.Marshal(env)
		if err != nil {
			return errors.Wrap(err, "encode envelope")
		}
		return run(ctx, timeout, env, data, script, string(env.Type))
	}
}

func run(ctx context.Context, timeout time.Duration, env envelope.Envelope, stdin []byte, name string, args ...string) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	output := out.String()
	if len(output) > maxOutputLog {
		output = output[:maxOutputLog]
	}
	log.Debug().Str("envelope_id", env.ID).Str("cmd", name).Str("output", output).Msg("handler command finished")
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Wrapf(err, "%s: %s", name, strings.TrimSpace(output))
	}
	return nil
}
