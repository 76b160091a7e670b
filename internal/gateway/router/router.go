// Package router serializes turns per conversational thread: at most one
// in-flight turn per thread, with newer messages superseding queued ones.
package router

import "fmt"

// ThreadKey identifies a conversational thread.
type ThreadKey struct {
	UserID   int64
	ThreadID int64
}

func (k ThreadKey) String() string {
	return fmt.Sprintf("%d/%d", k.UserID, k.ThreadID)
}
