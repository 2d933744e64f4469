// Package fanout implements the event Broadcaster.
//
// Every Subscription owns a fixed-size ring. Publish never blocks: when a
// subscriber falls behind, its oldest events are overwritten and its next
// Recv reports a *LagError with the number of events it missed before
// resuming with the oldest retained event. Other subscribers are unaffected.
//
// A subscription only sees events published after Subscribe returned.
package fanout
