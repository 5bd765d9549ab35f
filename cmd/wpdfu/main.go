// Command wpdfu updates and configures WavePhoenix receivers over
// Bluetooth LE.
package main

func main() {
	Execute()
}
