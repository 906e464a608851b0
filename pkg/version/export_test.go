package version

// Apply exposes apply for tests.
var Apply = apply
