package avproto

// ReadCmd attempts to read one fixed-size command record within
// timeoutMs. ok is false on a short read while the transport is still
// open, which the service session treats as "no command this tick" and
// uses to pulse its keep-alive loop (spec.md §4.2).
func ReadCmd(c Conn, timeoutMs int) (cmd Command, ok bool, err error) {
	buf := make([]byte, CmdRecordLen)
	n, rerr := c.Read(buf, timeoutMs)
	if rerr != nil {
		return Command{}, false, rerr
	}
	if n != CmdRecordLen {
		return Command{}, false, nil
	}
	cmd, uerr := UnmarshalCommand(buf)
	if uerr != nil {
		return Command{}, false, uerr
	}
	return cmd, true, nil
}

// SendResult writes the {result, size} response frame.
func SendResult(c Conn, result Result, size uint64) error {
	_, err := c.Write(Response{Result: result, Size: size}.MarshalBinary())
	return err
}

// SendBulk writes the response frame followed by the bulk payload
// (used by GetEncoderName/GetDecoderName/GetPacket/GetFrame Acks).
func SendBulk(c Conn, data []byte) error {
	if err := SendResult(c, Ack, uint64(len(data))); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	_, err := c.Write(data)
	return err
}
