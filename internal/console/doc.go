// SPDX-FileCopyrightText: 2026 The virtbed authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package console provides the byte-stream channel to a spawned guest and
// the pattern-wait primitive everything else is built on.
//
// A [Session] is driven by exactly one component at a time. Callers describe
// what they expect on the stream as an ordered [PatternList] and block in
// [Session.Wait] until one of the patterns, a timeout, or the end of the
// stream resolves the call. The [Guard] threads the reserved fatal markers
// (kernel panic, unexpected halt) through every wait, since those can show
// up at any point of a run.
package console
