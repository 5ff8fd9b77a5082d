// Package gossip replicates append-only sets across the mesh.
//
// Each Synchronizer owns one internal channel. Nodes exchange only deltas
// over direct links; there is no global view and no coordinator.
//
// Graph tracks, per neighbor, what it has already sent that way and which
// entries were learned from that neighbor ("behind" it). A change is sent
// toward a neighbor at most once, so gossip stays bounded on meshes with
// cycles. Basic floods every new entry to every other neighbor and suits
// small or star-shaped meshes.
//
// Typical usage:
//
//	subs := gossip.NewGraph[string]("zb.sub", fabric, gossip.StringCodec{}, log)
//	subs.Add("orders")
//	// when a link comes up:
//	subs.OnConnected(conn)
//
// Entries are never removed.
package gossip
