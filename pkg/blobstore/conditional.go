package blobstore

import (
	"cloud.google.com/go/storage"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	azblobblob "github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"gocloud.dev/blob"
)

// ifMatch returns a BeforeWrite hook that pins the write to the revision
// described by attrs. S3, Azure and GCS buckets reject the write with a
// precondition failure if the object changed since attrs was read. Other
// drivers, such as mem and file, have no conditional writes and *native stays
// false.
func ifMatch(attrs *blob.Attributes, native *bool) func(as func(any) bool) error {
	return func(as func(any) bool) error {
		var put *s3.PutObjectInput
		if as(&put) {
			if attrs.ETag != "" {
				put.IfMatch = aws.String(attrs.ETag)
				*native = true
			}
			return nil
		}

		var upload *azblob.UploadStreamOptions
		if as(&upload) {
			if attrs.ETag != "" {
				etag := azcore.ETag(attrs.ETag)
				upload.AccessConditions = &azblob.AccessConditions{
					ModifiedAccessConditions: &azblobblob.ModifiedAccessConditions{IfMatch: &etag},
				}
				*native = true
			}
			return nil
		}

		var obj **storage.ObjectHandle
		if as(&obj) {
			var objAttrs storage.ObjectAttrs
			if attrs.As(&objAttrs) && objAttrs.Generation != 0 {
				*obj = (*obj).If(storage.Conditions{GenerationMatch: objAttrs.Generation})
				*native = true
			}
		}
		return nil
	}
}
