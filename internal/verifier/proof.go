package verifier

import (
	"regexp"
	"strings"

	"github.com/Checker-Finance/settlement/pkg/model"
)

var (
	processorIDPattern = regexp.MustCompile(`^pay_[A-Za-z0-9]{16,64}$`)
	txHashPattern      = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
)

// ClassifyProof selects the verification path for a proof string.
// An empty proof reports ReasonMissingProof, an unrecognized one ReasonMalformedProof.
func ClassifyProof(proof string) (model.ProofFormat, model.FailureReason) {
	proof = strings.TrimSpace(proof)
	switch {
	case proof == "":
		return model.ProofFormatUnknown, model.ReasonMissingProof
	case processorIDPattern.MatchString(proof):
		return model.ProofFormatProcessor, model.ReasonNone
	case txHashPattern.MatchString(proof):
		return model.ProofFormatTxHash, model.ReasonNone
	default:
		return model.ProofFormatUnknown, model.ReasonMalformedProof
	}
}
