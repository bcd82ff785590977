package bustest

import "github.com/arloliu/go-poolbus/frame"

// Chlorinator answers like a salt chlorinator reporting saltByte*50 ppm.
// An empty model leaves get-model requests unanswered, as newer cells do.
func Chlorinator(saltByte byte, model string) ReplyFunc {
	return func(req *frame.Message) []*frame.Message {
		if req.Protocol != frame.ProtocolChlorinator {
			return nil
		}

		var payload []byte
		switch req.PayloadByte(1, 0xff) {
		case 0: // take control
			payload = []byte{frame.ChlorinatorHostAddr, 1}
		case 17: // set output
			payload = []byte{frame.ChlorinatorHostAddr, 18, saltByte, 0x81}
		case 20: // get model
			if model == "" {
				return nil
			}
			name := make([]byte, 16)
			copy(name, model)
			payload = append([]byte{frame.ChlorinatorHostAddr, 3, 0}, name...)
		default:
			return nil
		}

		return []*frame.Message{frame.NewChlorinatorMessage(payload...)}
	}
}
