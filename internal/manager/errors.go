package manager

import "errors"

// ErrProcessNotAlive is returned by checkProcessAlive when one of the
// three worker processes has exited, per spec.md §4.5 step 1 and the
// error table in §7: non-fatal to the Manager itself, it causes Run to
// break its dispatch loop cleanly and fall through to JoinSafe. Run does
// not return it.
var ErrProcessNotAlive = errors.New("manager: worker process is not alive")

// ErrShapeMismatch is returned when a callback's overlay does not have
// the pipeline's H*W*3 byte length, per spec.md §4.5 step 5.
var ErrShapeMismatch = errors.New("manager: overlay shape mismatch")

// ErrDTypeMismatch is returned when a callback's explicit mask does not
// have the pipeline's H*W byte length. Named for spec.md §7's
// "DTypeMismatch" even though Go has no runtime dtype tag: the wire
// format is raw bytes, so a length mismatch on the single-channel mask
// plane is this system's equivalent of a dtype mismatch.
var ErrDTypeMismatch = errors.New("manager: mask dtype mismatch")
