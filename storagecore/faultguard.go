package storagecore

// This file implements the fault-injection countermeasures the rest of
// the package relies on: a reentrancy-trapped halt, loop-completion
// checks around the comparisons that gate authentication, and a short
// decorrelation delay between related sensitive operations. None of
// this defends against a software bug; it defends against a voltage or
// clock glitch skipping or corrupting one of these operations.

// handleFault is the single path by which the store reacts to a
// detected fault. The first call increments the PIN fail counter (the
// same consequence as a wrong PIN) and halts. If the fault machinery
// itself faults while handling a fault, further recovery is abandoned
// in favor of wiping everything: the reentrancy flag in s.faulting is
// what tells the second call apart from the first.
func (s *Store) handleFault(reason string) {
	if s.faulting {
		s.wipeLocked()
		s.halt(reason + ": reentrant fault, storage wiped")
		return
	}
	s.faulting = true
	defer func() { s.faulting = false }()

	if err := s.pinFailsIncreaseLocked(); err != nil {
		s.wipeLocked()
		s.halt(reason + ": could not record failure, storage wiped")
		return
	}
	s.halt(reason)
}

// halt marks the store permanently unusable, scrubs cached secrets, and
// unwinds the call stack via panic so that no caller above this point
// can observe a partially-completed sensitive operation as if it had
// succeeded.
func (s *Store) halt(reason string) {
	s.halted = true
	s.unlocked = false
	zeroize(s.cachedDEK[:])
	zeroize(s.cachedSAK[:])
	s.audit.fault(reason)
	panic(&haltError{reason: reason})
}

// secureEqual performs a constant-time comparison and verifies the
// comparison loop ran to completion before trusting its result; a
// glitch that short-circuits the loop is itself treated as a fault
// rather than an indeterminate answer.
func (s *Store) secureEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	i := 0
	for ; i < len(a); i++ {
		diff |= a[i] ^ b[i]
	}
	if i != len(a) {
		s.handleFault("constant-time comparison loop did not complete")
		return false
	}
	return diff == 0
}

// waitRandom burns a small random amount of work to desynchronize
// sensitive operations from an attacker's glitch timing. The loop
// tracks its own progress in two counters that must sum to the target
// at every step; any mismatch is itself a detected fault.
func (s *Store) waitRandom() {
	b, err := randomBytes(1)
	if err != nil {
		s.handleFault("random source unavailable")
		return
	}
	wait := int(b[0])
	i, j := 0, wait
	for i < wait {
		if i+j != wait {
			s.handleFault("wait loop counters diverged")
			return
		}
		i++
		j--
	}
	if i != wait {
		s.handleFault("wait loop did not complete")
	}
}
