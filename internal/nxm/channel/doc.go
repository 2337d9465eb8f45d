// Package channel maintains the realtime update channel to the appliance.
//
// The channel is a WebSocket opened with the session's cookies and
// anti-forgery token. Outbound messages are either query paths such as
// "/Device/AvioV2" or JSON partial documents; the appliance answers queries
// and pushes its own changes as partial documents.
//
// Every outbound write goes through the dispatcher, so channel sends are
// ordered with HTTP commands. On open the channel queues resync queries at
// elevated priority. When idle it sends a cheap keepalive query.
//
// The channel never reconnects on its own. When the socket fails it cancels
// pending dispatcher jobs and reports the cause once through OnClosed;
// deciding what happens next is the supervisor's job.
package channel
