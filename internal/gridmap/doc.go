// Package gridmap owns the occupancy grid the exploration loop reasons over.
//
// The grid source pushes whole snapshots; Map keeps only the latest one and
// hands out the same immutable *OccupancyGrid to every reader. Snapshots are
// never mutated after construction, so readers need no locking of their own.
package gridmap
