package driver

var usbDeviceDLL = loadDLL(".\\DLLs\\windows_x64\\libusb-1.0.dll", ".\\DLLs\\windows_x64\\USB2XXX.dll")
