package agent

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"scrivener/internal/document"
	"scrivener/internal/llm"
	"scrivener/internal/tools"
)

// batchState tracks call and observation signatures across the turns of one
// agent loop invocation.
type batchState struct {
	lastCallSignature        string
	lastObservationSignature string
	noNewInfoStreak          int
	repeatedErrorStreak      int
}

// pushObservation appends one tool observation to the session.
func pushObservation(messages *[]llm.Message, call llm.ToolCall, res tools.Result) {
	*messages = append(*messages, llm.ObservationMessage([]llm.Observation{{
		Name:    call.Name,
		Content: res.Output,
		IsError: res.IsError,
	}}))
}

// pushSystemNote appends an explanatory note as a user-role message.
func pushSystemNote(messages *[]llm.Message, note string) {
	*messages = append(*messages, llm.UserText("[System Note] "+note))
}

// skipRemaining records an error observation for every call not executed.
func skipRemaining(messages *[]llm.Message, calls []llm.ToolCall, start int, reason string) {
	for _, call := range calls[start:] {
		pushObservation(messages, call, tools.Errorf("%s", reason))
	}
}

// refreshSteering rereads the thread file and appends its newest
// externally-authored message when it differs from the session's last user
// message. Reports whether a message was appended.
func refreshSteering(messages *[]llm.Message, threadPath string, logger *zap.Logger) bool {
	data, err := os.ReadFile(threadPath)
	if err != nil {
		return false
	}
	latest, ok := document.LatestExternalMessage(string(data))
	if !ok {
		return false
	}

	var lastUser string
	for i := len(*messages) - 1; i >= 0; i-- {
		m := (*messages)[i]
		if m.Role == llm.RoleUser && len(m.Parts) > 0 {
			lastUser = m.Parts[0].Text
			break
		}
	}
	if latest == lastUser {
		return false
	}

	logger.Info("steering: new user message detected mid-loop", zap.String("path", threadPath))
	*messages = append(*messages, llm.UserText(latest))
	return true
}

// executeBatch runs one turn's tool calls under the batch policy. Read-only
// calls batch up to the configured budget; a state-mutating call always ends
// the batch; repeated calls, repeated errors, stale observations, and
// mid-batch steering all cut it short. Every skipped call still receives an
// error observation so the model sees why it was not run.
func (r *Runner) executeBatch(ctx context.Context, messages *[]llm.Message, calls []llm.ToolCall, threadPath string, state *batchState) {
	budget := r.readOnlyBudget
	if budget < 1 {
		budget = 1
	}
	readOnlyCalls := 0
	var stopReason string

	for index, call := range calls {
		callSignature := tools.CallSignature(call)
		if state.lastCallSignature != "" && state.lastCallSignature == callSignature {
			r.logger.Warn("skipping repeated action", zap.String("tool", call.Name))
			pushObservation(messages, call,
				tools.Errorf("Skipped repeated tool call with unchanged arguments. Change strategy."))
			state.noNewInfoStreak++
			state.repeatedErrorStreak++
			stopReason = "Repeated tool call detected."
			skipRemaining(messages, calls, index+1,
				"Skipped because the current batch was cut short and the model must reevaluate.")
			break
		}

		r.logger.Info("action", zap.String("tool", call.Name))
		observation := r.registry.Invoke(ctx, call.Name, call.Args)
		r.logger.Debug("observation", zap.Int("chars", len(observation.Output)), zap.Bool("error", observation.IsError))
		pushObservation(messages, call, observation)

		observationSignature := tools.ObservationSignature(observation)
		if state.lastObservationSignature != "" && state.lastObservationSignature == observationSignature {
			state.noNewInfoStreak++
		} else {
			state.noNewInfoStreak = 0
		}

		switch {
		case observation.IsError && state.lastObservationSignature == observationSignature:
			state.repeatedErrorStreak++
		case observation.IsError:
			state.repeatedErrorStreak = 1
		default:
			state.repeatedErrorStreak = 0
		}

		state.lastCallSignature = callSignature
		state.lastObservationSignature = observationSignature

		if r.registry.IsReadOnly(call.Name) {
			readOnlyCalls++
			if readOnlyCalls >= budget {
				stopReason = fmt.Sprintf("Read-only budget reached (%d calls). Reevaluate before continuing.", budget)
				skipRemaining(messages, calls, index+1,
					"Skipped because the read-only budget for this turn was reached.")
				break
			}
		}

		if r.registry.IsWrite(call.Name) {
			stopReason = fmt.Sprintf("State changed via `%s`. Reevaluate before more actions.", call.Name)
			skipRemaining(messages, calls, index+1,
				"Skipped because workspace state changed and the model must reevaluate.")
			break
		}

		if state.repeatedErrorStreak >= 2 {
			stopReason = "Repeated similar tool errors detected. Change strategy or finish."
			skipRemaining(messages, calls, index+1,
				"Skipped because repeated similar tool errors require a new strategy.")
			break
		}

		if state.noNewInfoStreak >= 2 {
			stopReason = "Recent tool calls are not producing new information. Change strategy or finish."
			skipRemaining(messages, calls, index+1,
				"Skipped because recent tool calls were not producing new information.")
			break
		}

		if refreshSteering(messages, threadPath, r.logger) {
			stopReason = "A new user message arrived. Reevaluate before more actions."
			skipRemaining(messages, calls, index+1,
				"Skipped because a new user message arrived and the model must reevaluate.")
			break
		}
	}

	if stopReason != "" {
		pushSystemNote(messages, stopReason)
	}
}
