// Command tile3d runs the 3D tile streaming engine's CLI: serving a
// tileset's load/unload status over HTTP, pruning the HTTP response cache,
// and inspecting a quadtree availability subtree.
package main

import "github.com/MeKo-Tech/tile3d/internal/cmd"

func main() {
	cmd.Execute()
}
