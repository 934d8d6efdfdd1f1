package args

import "strings"

// Placeholder syntax in engine command templates.
const (
	// Prefix introduces every placeholder: $RENDERONLINE:<argtype_id>.
	Prefix = "$RENDERONLINE:"

	// UploadedFileID is the reserved placeholder id for the server-assigned
	// uploaded file path. It is substituted after all client arguments.
	UploadedFileID = "@uploaded_file"
)

// Substitute replaces every occurrence of the placeholder for argTypeID with
// the raw value. Values must already be validated; substitution performs no
// escaping.
func Substitute(template, argTypeID, value string) string {
	return strings.ReplaceAll(template, Prefix+argTypeID, value)
}

// SubstituteUploadedFile replaces the reserved uploaded-file placeholder with
// the server-chosen absolute path.
func SubstituteUploadedFile(template, filePath string) string {
	return Substitute(template, UploadedFileID, filePath)
}
