// conncheck validates service connectivity across environments.
package main

import (
	"github.com/opsverify/conncheck/cmd"
)

func main() {
	cmd.Execute()
}
