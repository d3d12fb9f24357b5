// The main package for the harvester executable.
package main

import (
	"github.com/newsharvest/gdelt-harvester/cmd"
)

func main() {
	cmd.Execute()
}
