// Package explore drives breadth-first discovery: it pops canonical ids off
// the frontier, ingests each artist's catalogue, and marks the artist
// explored, stopping when the frontier drains or the store outgrows its
// byte budget.
package explore
