// Command vmi inspects raw physical memory images.
package main

import "github.com/sarchlab/vmi/vmi/cmd"

func main() {
	cmd.Execute()
}
