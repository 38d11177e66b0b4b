/*
Package resilience provides a small failure-counting breaker.

The coordinator uses it in two places: snapshot persistence wraps disk writes
in Do so a failing disk stops being hammered, and each page keeps a breaker
that caps automatic reloads after content process crashes. The crash path
counts its attempts with Allow and RecordFailure.

Failures clear once Window passes without another one. Threshold failures
inside a window open the breaker for Cooldown, after which it closes with a
clean count.

	breaker := resilience.New("crash-reload", resilience.Settings{
		Threshold: 3,
		Window:    30 * time.Second,
		Cooldown:  30 * time.Second,
		Clock:     sched.Now,
	})

	if breaker.Allow() == nil {
		breaker.RecordFailure()
		reload()
	}
*/
package resilience
