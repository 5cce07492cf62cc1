// Package serialframe reads a raw byte stream from a serial device and turns
// it into decoded, fixed-width or delimiter-terminated frames, such as the
// image scanlines an FPGA prints over a USB-TTL adapter.
//
// The package is built from three parts:
//   - ByteSource: a pollable serial connection with bounded-wait reads.
//     On Linux the default driver uses raw termios syscalls with a self-pipe
//     for killability; the portable driver goes through go.bug.st/serial.
//   - FrameAssembler: incremental text decoding (UTF-8 or any IANA charset)
//     that tolerates partial multi-byte sequences across reads and degrades
//     undecodable bytes instead of failing.
//   - Poller and Supervisor: the driving loop, and the owner that reopens the
//     device after it disappears.
//
// Example usage:
//
//	src, err := serialframe.Open(serialframe.Config{
//	    Device:   "/dev/ttyUSB0",
//	    BaudRate: 115200,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer src.Close()
//
//	asm, err := serialframe.NewFrameAssembler(serialframe.AssemblerConfig{
//	    Width: serialframe.DefaultFrameWidth,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer cancel()
//	err = serialframe.NewPoller(src, asm).Run(ctx, func(f serialframe.Frame) {
//	    fmt.Println(f)
//	})
package serialframe
