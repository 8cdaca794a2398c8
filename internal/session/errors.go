package session

import "errors"

// ErrNoActiveSession is returned by ForceEndSession and FlushSpeaker when no
// session is active.
var ErrNoActiveSession = errors.New("no active session")

// ErrNothingBuffered is returned by FlushSpeaker when the speaker has no
// pending speech.
var ErrNothingBuffered = errors.New("nothing buffered for speaker")
