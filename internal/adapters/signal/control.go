package signal

func (c *Conn) handlePing() {
	resp := struct {
		Type string `json:"type"`
	}{
		Type: TypePong,
	}
	if err := c.SendJSON(resp); err != nil {
		c.log.Debug().Err(err).Msg("pong")
	}
}
