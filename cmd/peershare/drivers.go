package main

// Synthetic camera and microphone drivers. Hardware drivers need cgo and
// register the same way when imported.
import (
	_ "github.com/pion/mediadevices/pkg/driver/audiotest"
	_ "github.com/pion/mediadevices/pkg/driver/videotest"
)
