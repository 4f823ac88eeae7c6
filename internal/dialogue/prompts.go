package dialogue

import (
	"fmt"
	"strings"
	"time"

	"github.com/nightdesk/nightdesk/internal/emr"
	"github.com/nightdesk/nightdesk/internal/intent"
)

// Spoken prompt text. These strings go straight to the TTS collaborator, so
// they read as speech: no abbreviations, times in words a caller expects.

// BusyPrompt is spoken when intake is at capacity and no session is created.
func BusyPrompt() string {
	return "I'm sorry, all of our scheduling lines are busy right now. Please call back in a few minutes, or stay on the line to leave a message for our staff."
}

// TimeoutPrompt is spoken when the call ends for silence.
func TimeoutPrompt() string {
	return "I haven't heard from you in a while, so I'll let you go. Please call back any time to schedule your appointment. Goodbye."
}

func greetingPrompt() string {
	return "Thank you for calling. I can help you schedule an appointment. May I have your name, and what day works for you?"
}

func goodbyePrompt() string {
	return "Thank you for calling. Goodbye."
}

func transferPrompt() string {
	return "Let me transfer you to a member of our staff who can help you further. One moment please."
}

func holdOnPrompt() string {
	return "One moment please, I'm checking the schedule."
}

func repromptLowConfidence() string {
	return "I'm sorry, I didn't quite catch that. Could you say that again?"
}

func repromptUnparsed() string {
	return "I'm sorry, I couldn't make out that date or time. Could you give it to me again, like Tuesday at two thirty?"
}

func bookingFailedPrompt() string {
	return "I'm sorry, I wasn't able to complete your booking. Please call back shortly or hold for a member of our staff."
}

func promptForMissing(missing []string) string {
	if len(missing) == 0 {
		return "Could you tell me a little more about the appointment you'd like?"
	}
	switch missing[0] {
	case "name":
		return "May I have your full name, please?"
	case "date":
		return "What day would you like to come in?"
	case "time":
		return "And what time of day works best for you?"
	case "reason":
		return "What is the visit for?"
	default:
		return "Could you tell me a little more about the appointment you'd like?"
	}
}

func confirmDetailsPrompt(appt intent.Appointment) string {
	return fmt.Sprintf("Let me confirm: %s, %s, for %s. Is that right?",
		appt.PatientName,
		spokenTime(appt.Start),
		appt.Reason,
	)
}

func alternativesPrompt(requested time.Time, alternatives []emr.Slot) string {
	times := make([]string, 0, len(alternatives))
	for _, slot := range alternatives {
		// A same-day offer only needs the clock; a later day must be
		// named or the caller cannot tell what they are agreeing to.
		if sameDay(slot.Start, requested) {
			times = append(times, spokenClock(slot.Start))
		} else {
			times = append(times, spokenTime(slot.Start))
		}
	}
	var offer string
	switch len(times) {
	case 1:
		offer = times[0]
	case 2:
		offer = times[0] + " or " + times[1]
	default:
		offer = strings.Join(times[:len(times)-1], ", ") + ", or " + times[len(times)-1]
	}
	return fmt.Sprintf("I'm sorry, %s is not available. I could offer you %s. Would any of those work?",
		spokenTime(requested), offer)
}

func confirmedPrompt(appt intent.Appointment, confirmationNumber string) string {
	return fmt.Sprintf("You're all set, %s. Your appointment is booked for %s. Your confirmation number is %s. Is there anything else I can help you with?",
		appt.PatientName,
		spokenTime(appt.Start),
		confirmationNumber,
	)
}

// spokenTime renders a full date and time, e.g.
// "Tuesday, September 1 at 2:30 PM".
func spokenTime(t time.Time) string {
	return t.Format("Monday, January 2 at 3:04 PM")
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// spokenClock renders just the clock time, e.g. "11:00 AM".
func spokenClock(t time.Time) string {
	return t.Format("3:04 PM")
}

var affirmations = []string{
	"yes", "yeah", "yep", "yup", "correct", "right", "that's right",
	"sounds good", "perfect", "sure", "ok", "okay", "confirm",
}

var negations = []string{
	"no", "nope", "not right", "wrong", "incorrect", "change", "actually",
	"instead", "different",
}

func isAffirmative(transcript string) bool {
	return containsAny(transcript, affirmations) && !containsAny(transcript, negations)
}

func isNegative(transcript string) bool {
	return containsAny(transcript, negations)
}

func containsAny(transcript string, words []string) bool {
	normalized := " " + strings.ToLower(strings.TrimSpace(transcript)) + " "
	normalized = strings.Map(func(r rune) rune {
		switch r {
		case '.', ',', '!', '?', '\'':
			return ' '
		}
		return r
	}, normalized)
	for _, w := range words {
		if strings.Contains(normalized, " "+strings.ReplaceAll(w, "'", " ")+" ") {
			return true
		}
	}
	return false
}
