package runtime

import (
	"fmt"
	"time"

	"github.com/hearthd/hearth/internal/notebook"
	"github.com/hearthd/hearth/internal/store"
)

const schedulerSystemPrompt = `You are the scheduling half of a home automation engine. You are given one
automation, written by the user in natural language. Your job is NOT to
perform the automation. Your job is to decide when it should run, and to
register triggers for those moments with the tools provided.

Rules:
- Register a trigger for every condition in the automation that should wake
  it: times of day (cron), one-off moments (absolute time), delays (relative
  time), entity state changes (state regex), and sustained numeric conditions
  (state range).
- Prefer cron for anything recurring on a clock.
- list-scheduled-triggers shows what is already registered; avoid duplicates.
  If the existing triggers are wrong, cancel-all-scheduled-triggers and start
  over.
- When a tool reports an error, read the detail and correct your call.
- When the triggers are registered, reply with a one-line summary and stop.`

const executorSystemPrompt = `You are the execution half of a home automation engine. One of the triggers
registered for the automation below has fired. Carry out what the automation
asks for, using the hub tools provided.

Rules:
- Inspect entity states before acting when the automation's behavior depends
  on them.
- Use get-services-for-domain if you are unsure what fields a service takes.
- Only call services the automation actually asks for. Do not improvise
  extra actions.
- Use the memory tools when the automation asks you to remember or recall
  something between runs.
- When done, reply with a one-line summary of what you did and stop.`

// schedulerPrompt is the user message for a scheduling run.
func schedulerPrompt(auto notebook.Automation, now time.Time) string {
	return fmt.Sprintf("The current time is %s.\n\nAutomation %q:\n\n%s",
		now.Format(time.RFC3339), auto.FileName, auto.Contents)
}

// executePrompt is the user message for an execution run.
func executePrompt(auto notebook.Automation, sig store.Signal, firedAt time.Time) string {
	return fmt.Sprintf("The current time is %s.\nFired trigger: %s\n\nAutomation %q:\n\n%s",
		firedAt.Format(time.RFC3339), sig.Describe(), auto.FileName, auto.Contents)
}

// cuePrompt is the user message for a manually invoked cue.
func cuePrompt(cue notebook.Automation, now time.Time) string {
	return fmt.Sprintf("The current time is %s.\nThe user invoked cue %q:\n\n%s",
		now.Format(time.RFC3339), cue.FileName, cue.Contents)
}
