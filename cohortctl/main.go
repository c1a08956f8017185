package main

import "github.com/apollo/cohort/cohortctl/cmd"

func main() {
	cmd.Execute()
}
