package tokenizer

// punctuationTable marks ASCII punctuation and whitespace.
var punctuationTable [256]bool

func init() {
	for i := 0; i < 256; i++ {
		if (i >= 33 && i <= 47) || (i >= 58 && i <= 64) || (i >= 91 && i <= 96) || (i >= 123 && i <= 126) {
			punctuationTable[i] = true
		}
		if i == 32 || (i >= 9 && i <= 13) {
			punctuationTable[i] = true
		}
	}
}
