// Command droidrig drives a bench of Android devices: it provisions them,
// captures logs, collects diagnostics and keeps a ledger of every run.
package main

func main() {
	Execute()
}
