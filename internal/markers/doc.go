// Package markers normalizes caller-supplied deal markers into sorted
// segments over the session timeline. Input markers may be unsorted or
// missing end offsets; an absent end resolves to the next marker's start
// (or the session end for the last marker). Explicit ends are kept as
// given, so segments can overlap or leave gaps when the caller says so.
package markers
