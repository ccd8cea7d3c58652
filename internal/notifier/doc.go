// Package notifier sends job summaries to an operator chat.
//
// It listens for terminal job events on the event bus and feeds a bounded
// queue drained by a rate-limited sender with retries. A full queue drops
// the message with a warning; notifications never slow jobs down.
package notifier
