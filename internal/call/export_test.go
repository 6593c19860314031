package call

import "sync"

// Stall parks the session loop until the returned func is called.
func (s *Session) Stall() (resume func()) {
	release := make(chan struct{})
	s.post(func() { <-release })
	var once sync.Once
	return func() { once.Do(func() { close(release) }) }
}
