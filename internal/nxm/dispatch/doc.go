// Package dispatch serialises every outbound operation to the appliance.
//
// A Dispatcher runs exactly one job at a time. Pending jobs are ordered by
// ascending priority, with submission order breaking ties, and a minimum
// spacing is enforced between job starts so the appliance is never flooded.
//
// Every job belongs to a Generation. Advance retires the current generation
// and mints the next in one step: pending jobs of the old generation settle
// with ErrCancelled without running, and the old generation's context is
// cancelled so a job already running can notice. A job that has already
// started is allowed to finish; callers that care compare its generation
// with Current.
//
//	d := dispatch.New(dispatch.Options{Spacing: 50 * time.Millisecond})
//	d.Start(ctx)
//	f := d.Enqueue(dispatch.PriorityCommand, func(ctx context.Context) ([]byte, error) {
//	    return sess.Get(ctx, "/Device")
//	})
//	body, err := f.Wait(ctx)
package dispatch
