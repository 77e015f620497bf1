package engine

// Package engine owns the single SQLite connection shared by every protocol
// surface. The connection is not safe for concurrent use, so all access goes
// through Handle.WithExclusive, a bounded-wait mutual exclusion primitive.
// Protocol adapters receive the same *Handle by construction at startup;
// there is no ambient global connection.
