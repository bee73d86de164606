package bot

import "fmt"

// User-facing message texts. All are sent with HTML formatting.
const (
	msgEditedNotSupported = "🥲 Unfortunately, message <b>editing</b> is not supported"
	msgBusy               = "⏳ Please <b>wait</b> for a reply to the previous message"
	msgInternalError      = "🥲 Something went wrong. Please try again later."
	msgNewDialog          = "Starting new dialog ✅"
	msgNothingToRetry     = "No message to retry 🤷‍♂️"
	msgMessageTooLong     = "🥲 Your message is <b>too long</b> for the model's context window. Please shorten it or start a /new dialog."
	msgEmptyAnswer        = "🤖 I have nothing to say about that. Please try rephrasing your message."
	msgImagesOff          = "🥲 Image generation is not configured."
	msgPlaceholder        = "..."

	helpText = "Commands:\n" +
		"⚪ /new – Start new dialog\n" +
		"⚪ /mode – Select chat mode\n" +
		"⚪ /retry – Regenerate last bot answer\n" +
		"⚪ /help – Show help"

	msgGreeting = "Hi! I'm a <b>ChatGPT</b> bot 🤖\n\n" + helpText
)

// timeoutNotice announces the automatic dialog reset after inactivity.
func timeoutNotice(modeName string) string {
	return fmt.Sprintf("Starting new dialog due to timeout (<b>%s</b> mode) ✅", modeName)
}

// trimNotice reports how many turns were dropped to fit the context
// window.
func trimNotice(n int) string {
	if n == 1 {
		return "✍️ <i>Note:</i> Your current dialog is too long, so your <b>first message</b> was removed from the context.\nSend /new command to start new dialog"
	}
	return fmt.Sprintf("✍️ <i>Note:</i> Your current dialog is too long, so <b>%d first messages</b> were removed from the context.\nSend /new command to start new dialog", n)
}

// completionErrorNotice reports a fatal completion failure.
func completionErrorNotice(err error) string {
	return fmt.Sprintf("Something went wrong during completion. Reason: %v", err)
}

// imageErrorNotice reports an image generation failure.
func imageErrorNotice(err error) string {
	return fmt.Sprintf("Something went wrong while generating image via <b>Kandinsky</b> for you. Reason:\n%v", err)
}

// modeMenuHeader introduces the chat mode selection menu.
func modeMenuHeader(count int) string {
	return fmt.Sprintf("Select <b>chat mode</b> (%d modes available):", count)
}
